// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/local"
)

// Backend names accepted by the selector keys.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendChromedp = "chromedp"
	BackendColly    = "colly"
)

const defaultSlots = 5

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Node       NodeConfig       `mapstructure:"node"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Region     RegionConfig     `mapstructure:"region"`
	Captcha    CaptchaConfig    `mapstructure:"captcha"`
	Automation AutomationConfig `mapstructure:"automation"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// NotifyBuffer sizes each live notification channel.
	NotifyBuffer int `mapstructure:"notify_buffer"`
}

// AuthConfig maps API keys to user ids.
type AuthConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Keys    map[string]string `mapstructure:"keys"`
}

// NodeConfig identifies where this process runs.
type NodeConfig struct {
	Region string `mapstructure:"region"`
}

// WorkerRegion sizes the pool for one region.
type WorkerRegion struct {
	Name  string `mapstructure:"name"`
	Slots int    `mapstructure:"slots"`
}

// WorkersConfig governs the regional worker pools.
type WorkersConfig struct {
	Regions      []WorkerRegion `mapstructure:"regions"`
	JobTimeout   time.Duration  `mapstructure:"job_timeout"`
	LeaseTTL     time.Duration  `mapstructure:"lease_ttl"`
	Heartbeat    time.Duration  `mapstructure:"heartbeat"`
	ResultPrefix string         `mapstructure:"result_prefix"`
}

// DispatchConfig governs intake, retries, and the queue backend.
type DispatchConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffInitialMs int           `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int           `mapstructure:"backoff_max_ms"`
	QueueBackend     string        `mapstructure:"queue_backend"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	EnqueueTimeout   time.Duration `mapstructure:"enqueue_timeout"`
	DepthInterval    time.Duration `mapstructure:"depth_interval"`
}

// RegionConfig tunes preferred-region routing.
type RegionConfig struct {
	RequeueDelay     time.Duration `mapstructure:"requeue_delay"`
	MismatchDeadline time.Duration `mapstructure:"mismatch_deadline"`
}

// CaptchaConfig tunes the human hand-off.
type CaptchaConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Threshold is the heuristic detector score that counts as a challenge.
	Threshold int `mapstructure:"threshold"`
}

// AutomationConfig selects and tunes the automation backend.
type AutomationConfig struct {
	Backend             string        `mapstructure:"backend"`
	UserAgent           string        `mapstructure:"user_agent"`
	MaxParallel         int           `mapstructure:"max_parallel"`
	NavTimeout          time.Duration `mapstructure:"nav_timeout"`
	PreNavigationScript string        `mapstructure:"pre_navigation_script"`
	Headless            bool          `mapstructure:"headless"`
}

// StorageConfig selects where result documents are written.
type StorageConfig struct {
	Backend      string       `mapstructure:"backend"`
	Bucket       string       `mapstructure:"bucket"`
	Prefix       string       `mapstructure:"prefix"`
	CacheControl string       `mapstructure:"cache_control"`
	Local        local.Config `mapstructure:"local"`
}

// DatabaseConfig selects the job repository.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for terminal-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the transition audit stream.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// RateLimitConfig toggles per-host politeness.
type RateLimitConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	ratelimit.Config `mapstructure:",squash"`
}

// TelemetryConfig names the service for traces and metrics.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.notify_buffer", 64)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("node.region", "local")
	v.SetDefault("workers.job_timeout", "120s")
	v.SetDefault("workers.lease_ttl", "60s")
	v.SetDefault("workers.heartbeat", "20s")
	v.SetDefault("workers.result_prefix", "results")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff_initial_ms", 500)
	v.SetDefault("dispatch.backoff_max_ms", 4000)
	v.SetDefault("dispatch.queue_backend", BackendMemory)
	v.SetDefault("dispatch.queue_capacity", 0)
	v.SetDefault("dispatch.poll_interval", "500ms")
	v.SetDefault("dispatch.enqueue_timeout", "5s")
	v.SetDefault("dispatch.depth_interval", "5s")
	v.SetDefault("region.requeue_delay", "5s")
	v.SetDefault("region.mismatch_deadline", "10m")
	v.SetDefault("captcha.timeout", "300s")
	v.SetDefault("captcha.poll_interval", "1s")
	v.SetDefault("captcha.threshold", 2)
	v.SetDefault("automation.backend", BackendChromedp)
	v.SetDefault("automation.user_agent", "scrape-orchestrator/0.1")
	v.SetDefault("automation.max_parallel", 4)
	v.SetDefault("automation.nav_timeout", "45s")
	v.SetDefault("automation.headless", true)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/results")
	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.sqlite_path", "data/jobs.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("telemetry.service_name", "scrape-orchestrator")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("logging.development", true)
}

// applyDerivedDefaults fills values that depend on other keys.
func (c *Config) applyDerivedDefaults() {
	if len(c.Workers.Regions) == 0 {
		c.Workers.Regions = []WorkerRegion{{Name: c.Node.Region, Slots: defaultSlots}}
	}
	for i := range c.Workers.Regions {
		if c.Workers.Regions[i].Slots == 0 {
			c.Workers.Regions[i].Slots = defaultSlots
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		errs = append(errs, errors.New("auth.keys must be set when auth is enabled"))
	}
	if c.Node.Region == "" {
		errs = append(errs, errors.New("node.region is required"))
	}
	seen := make(map[string]bool, len(c.Workers.Regions))
	for _, r := range c.Workers.Regions {
		if r.Name == "" {
			errs = append(errs, errors.New("workers.regions entries need a name"))
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("workers.regions has duplicate region %q", r.Name))
		}
		seen[r.Name] = true
		if r.Slots < 0 {
			errs = append(errs, fmt.Errorf("workers.regions[%s].slots must be >= 0", r.Name))
		}
	}
	if c.Workers.LeaseTTL <= 0 {
		errs = append(errs, errors.New("workers.lease_ttl must be > 0"))
	}
	if c.Workers.JobTimeout <= 0 {
		errs = append(errs, errors.New("workers.job_timeout must be > 0"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatch.max_attempts must be > 0"))
	}
	if c.Dispatch.BackoffMaxMs < c.Dispatch.BackoffInitialMs {
		errs = append(errs, errors.New("dispatch.backoff_max_ms must be >= backoff_initial_ms"))
	}
	errs = append(errs, oneOf("dispatch.queue_backend", c.Dispatch.QueueBackend, BackendMemory, BackendPostgres))
	errs = append(errs, oneOf("automation.backend", c.Automation.Backend, BackendChromedp, BackendColly))
	errs = append(errs, oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS))
	errs = append(errs, oneOf("database.backend", c.Database.Backend, BackendMemory, BackendPostgres, BackendSQLite))
	if c.Storage.Backend == BackendGCS && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
	}
	if c.Database.Backend == BackendPostgres && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for the postgres backend"))
	}
	if c.Dispatch.QueueBackend == BackendPostgres && c.Database.Backend != BackendPostgres {
		errs = append(errs, errors.New("dispatch.queue_backend=postgres requires database.backend=postgres"))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		errs = append(errs, errors.New("ratelimit.default_rps must be > 0 when enabled"))
	}
	return errors.Join(errs...)
}

func oneOf(key, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), got)
}

// Backoff returns the retry backoff bounds.
func (c Config) Backoff() (initial, maxDelay time.Duration) {
	return time.Duration(c.Dispatch.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Dispatch.BackoffMaxMs) * time.Millisecond
}
