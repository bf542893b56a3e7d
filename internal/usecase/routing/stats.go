package routing

import (
	"maps"
	"sync"

	"dispatch/internal/domain"
)

// Stats accumulates routing counters. All methods are safe for concurrent
// use; Snapshot returns an independent copy.
type Stats struct {
	mu          sync.Mutex
	routed      uint64
	failed      uint64
	agentCounts map[string]uint64
}

// NewStats creates a zeroed Stats.
func NewStats() *Stats {
	return &Stats{agentCounts: make(map[string]uint64)}
}

// RecordRouted bumps the routed total and the per-agent counter.
func (s *Stats) RecordRouted(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routed++
	s.agentCounts[agentID]++
}

// RecordFailed bumps the failed total.
func (s *Stats) RecordFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() domain.RoutingStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.RoutingStats{
		Routed:      s.routed,
		Failed:      s.failed,
		AgentCounts: maps.Clone(s.agentCounts),
	}
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routed = 0
	s.failed = 0
	s.agentCounts = make(map[string]uint64)
}
