package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds end-to-end test configuration from environment
type Config struct {
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads end-to-end test configuration from environment
func LoadConfig() *Config {
	return &Config{
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfShort skips end-to-end tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}
}

// SkipIfSlow skips tests marked slow when SKIP_SLOW_TESTS=1
func SkipIfSlow(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.SkipSlow {
		t.Skip("Skipping slow test: SKIP_SLOW_TESTS=1")
	}
}

// NewTestContext creates a context with timeout for end-to-end tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
