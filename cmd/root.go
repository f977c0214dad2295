// Package cmd defines the scrape-orchestrator CLI.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/logging"
)

// commandContext carries what PersistentPreRunE resolved to the subcommands.
type commandContext struct {
	cfgFile string
	envFile string
	cfg     config.Config
	logger  *zap.Logger
}

func (c *commandContext) load() error {
	if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", c.envFile, err)
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Service:     cfg.Telemetry.ServiceName,
		Region:      cfg.Node.Region,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newRootCmd() *cobra.Command {
	ctx := &commandContext{}
	cmd := &cobra.Command{
		Use:   "scrape-orchestrator",
		Short: "Region-aware scrape job orchestrator with human captcha hand-off.",
		Long: `scrape-orchestrator accepts scrape jobs over HTTP, routes them to worker
pools in the job's preferred region, drives a browser session per job and
pauses for a human when a captcha appears. Job state changes stream to the
submitting user over SSE or WebSocket.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&ctx.cfgFile, "config", "", "config file (YAML/JSON/TOML); env SCRAPER_* overrides")
	cmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(
		newServeCmd(ctx),
		newMigrateCmd(ctx),
		newSignalCmd(),
	)
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
