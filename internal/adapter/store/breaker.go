package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"dispatch/internal/domain"
	"dispatch/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerStore wraps a WorkloadStore with circuit breaker protection. When
// the store fails repeatedly, the circuit opens and subsequent calls fail
// fast without reaching SQLite, preventing retry storms. Routing treats
// workload writes as best-effort, so an open circuit only delays
// persistence until the reconciler's next successful pass.
type BreakerStore struct {
	inner   domain.WorkloadStore
	breaker *gobreaker.CircuitBreaker[map[string]int]
	logger  *slog.Logger
}

// NewBreakerStore wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to the defaults.
func NewBreakerStore(inner domain.WorkloadStore, cfg config.BreakerConfig, logger *slog.Logger) *BreakerStore {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[map[string]int](gobreaker.Settings{
		Name:        "workload-store",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerStore{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// SaveWorkload implements domain.WorkloadStore through the breaker.
// The shared breaker carries a map result type; saves return a nil map.
func (b *BreakerStore) SaveWorkload(ctx context.Context, agentID string, currentLoad int) error {
	_, err := b.breaker.Execute(func() (map[string]int, error) {
		return nil, b.inner.SaveWorkload(ctx, agentID, currentLoad)
	})
	return b.wrapBreakerErr(err)
}

// LoadWorkloads implements domain.WorkloadStore through the breaker.
func (b *BreakerStore) LoadWorkloads(ctx context.Context) (map[string]int, error) {
	loads, err := b.breaker.Execute(func() (map[string]int, error) {
		return b.inner.LoadWorkloads(ctx)
	})
	if err != nil {
		return nil, b.wrapBreakerErr(err)
	}
	return loads, nil
}

// Close closes the inner store. Shutdown bypasses the breaker.
func (b *BreakerStore) Close() error {
	return b.inner.Close()
}

// State returns the current breaker state for the status and metrics
// endpoints.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerStore) wrapBreakerErr(err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("workload store circuit open: %w", domain.ErrStoreUnavailable)
	}
	return err
}
