package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgents(cfg, ve)
	validateRouting(cfg, ve)
	validateStore(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if len(cfg.Agents) == 0 {
		ve.Add("agents: at least one agent is required")
		return
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true

		if a.MaxLoad < 0 {
			ve.Add("agents[%d] (%s): max_load must be >= 0 (0 uses the default)", i, a.ID)
		}
		if a.Weight < 0 {
			ve.Add("agents[%d] (%s): weight must be >= 0", i, a.ID)
		}
	}

	if fast := cfg.Routing.Overrides.FastAgent; fast != "" && !seen[fast] {
		ve.Add("routing.overrides.fast_agent %q does not match any configured agent", fast)
	}
	if match := cfg.Routing.Overrides.MatchAgent; match != "" && !seen[match] {
		ve.Add("routing.overrides.match_agent %q does not match any configured agent", match)
	}
}

var validStrategies = map[string]bool{
	"round_robin":          true,
	"weighted_round_robin": true,
	"least_connections":    true,
}

func validateRouting(cfg *Config, ve *ValidationError) {
	if !validStrategies[cfg.Routing.Strategy] {
		ve.Add("routing.strategy %q is invalid (want: round_robin, weighted_round_robin, least_connections)", cfg.Routing.Strategy)
	}

	for i, fw := range cfg.Routing.Overrides.MatchFrameworks {
		if fw == "" {
			ve.Add("routing.overrides.match_frameworks[%d] must not be empty", i)
		}
	}

	if cfg.Routing.Dedupe.Enabled {
		if cfg.Routing.Dedupe.Window <= 0 {
			ve.Add("routing.dedupe.window must be > 0 when dedupe is enabled")
		}
		if cfg.Routing.Dedupe.MaxEntries <= 0 {
			ve.Add("routing.dedupe.max_entries must be > 0 when dedupe is enabled")
		}
	}

	if cfg.Routing.Reconcile.Enabled {
		s := cfg.Routing.Reconcile.Schedule
		if s == "" {
			ve.Add("routing.reconcile.schedule is required when reconcile is enabled")
		} else if !looksLikeSchedule(s) {
			ve.Add("routing.reconcile.schedule %q is not a cron expression or duration", s)
		}
	}
}

// looksLikeSchedule accepts cron specs ("0 * * * *", "@every 1m") and plain
// durations ("30s"). The scheduler performs the authoritative parse at
// registration.
func looksLikeSchedule(s string) bool {
	if strings.HasPrefix(s, "@") || strings.Contains(s, " ") {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
	if cfg.Store.Breaker.MaxFailures == 0 {
		ve.Add("store.breaker.max_failures must be > 0")
	}
	if cfg.Store.Breaker.Timeout <= 0 {
		ve.Add("store.breaker.timeout must be > 0")
	}
	if cfg.Store.Breaker.Interval < 0 {
		ve.Add("store.breaker.interval must be >= 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}

	switch cfg.Gateway.Auth.Type {
	case "", "static":
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must have at least one entry when auth type is static")
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}

	if cfg.Gateway.RateLimit.Enabled {
		if cfg.Gateway.RateLimit.RequestsPerMin <= 0 {
			ve.Add("gateway.rate_limit.requests_per_min must be > 0 when rate limiting is enabled")
		}
		if cfg.Gateway.RateLimit.BurstSize <= 0 {
			ve.Add("gateway.rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
}
