package logging

import "testing"

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Service: "scrape-orchestrator", Region: "eu"})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestInitialFieldsSkipsEmpty(t *testing.T) {
	t.Parallel()

	if got := initialFields(Options{}); len(got) != 0 {
		t.Fatalf("initialFields(empty) = %v, want none", got)
	}
	got := initialFields(Options{Service: "svc", Region: "us"})
	if got["service"] != "svc" || got["region"] != "us" {
		t.Fatalf("initialFields = %v", got)
	}
}
