package routing

import (
	"sync/atomic"

	"dispatch/internal/domain"
)

// Strategy names accepted by NewStrategy and the routing.strategy config key.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
)

// Strategy proposes the next candidate agent for a message. The candidate is
// advisory: the router still has to acquire capacity on it, and falls back to
// a registration-order scan when acquisition fails.
type Strategy interface {
	// Name returns the configuration name of the strategy.
	Name() string
	// Next returns the next candidate agent ID.
	Next() (string, error)
}

// NewStrategy builds a strategy by its configuration name. Unknown names
// return ErrUnknownStrategy. Weighted round-robin requires at least one
// enabled agent at construction and returns ErrNoEnabledAgents otherwise.
func NewStrategy(name string, registry *Registry) (Strategy, error) {
	switch name {
	case StrategyRoundRobin, "":
		return newRoundRobin(registry), nil
	case StrategyWeightedRoundRobin:
		return newWeightedRoundRobin(registry)
	case StrategyLeastConnections:
		return newLeastConnections(registry), nil
	default:
		return nil, domain.NewDomainError("NewStrategy", domain.ErrUnknownStrategy, name)
	}
}

// StrategyNames lists the supported strategy names.
func StrategyNames() []string {
	return []string{StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections}
}

// roundRobin cycles through every registered agent in registration order.
// Enabled flags and load are ignored here; acquisition enforces both.
type roundRobin struct {
	ids    []string
	cursor atomic.Uint64
}

func newRoundRobin(registry *Registry) *roundRobin {
	agents := registry.List()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return &roundRobin{ids: ids}
}

func (s *roundRobin) Name() string { return StrategyRoundRobin }

func (s *roundRobin) Next() (string, error) {
	if len(s.ids) == 0 {
		return "", domain.ErrNoAgentsAvailable
	}
	n := s.cursor.Add(1) - 1
	return s.ids[n%uint64(len(s.ids))], nil
}

// weightedRoundRobin cycles through a flattened slot list built once at
// construction: each enabled agent appears weight times. When every enabled
// agent has weight zero, each gets a single slot. Agents disabled after
// construction keep their slots but fail acquisition, which pushes the
// router to the fallback scan.
type weightedRoundRobin struct {
	slots  []string
	cursor atomic.Uint64
}

func newWeightedRoundRobin(registry *Registry) (*weightedRoundRobin, error) {
	enabled := make([]domain.Agent, 0)
	allZero := true
	for _, a := range registry.List() {
		if !a.Enabled {
			continue
		}
		enabled = append(enabled, a)
		if a.Weight > 0 {
			allZero = false
		}
	}
	if len(enabled) == 0 {
		return nil, domain.NewDomainError("NewStrategy", domain.ErrNoEnabledAgents, StrategyWeightedRoundRobin)
	}

	var slots []string
	for _, a := range enabled {
		weight := a.Weight
		if allZero {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			slots = append(slots, a.ID)
		}
	}
	return &weightedRoundRobin{slots: slots}, nil
}

func (s *weightedRoundRobin) Name() string { return StrategyWeightedRoundRobin }

func (s *weightedRoundRobin) Next() (string, error) {
	if len(s.slots) == 0 {
		return "", domain.ErrNoEnabledAgents
	}
	n := s.cursor.Add(1) - 1
	return s.slots[n%uint64(len(s.slots))], nil
}

// leastConnections picks the enabled agent with the lowest current load at
// call time. Ties go to the earlier-registered agent.
type leastConnections struct {
	registry *Registry
}

func newLeastConnections(registry *Registry) *leastConnections {
	return &leastConnections{registry: registry}
}

func (s *leastConnections) Name() string { return StrategyLeastConnections }

func (s *leastConnections) Next() (string, error) {
	var (
		bestID   string
		bestLoad int
		found    bool
	)
	for _, a := range s.registry.List() {
		if !a.Enabled {
			continue
		}
		if !found || a.CurrentLoad < bestLoad {
			bestID = a.ID
			bestLoad = a.CurrentLoad
			found = true
		}
	}
	if !found {
		return "", domain.NewDomainError("Strategy.Next", domain.ErrNoEnabledAgents, StrategyLeastConnections)
	}
	return bestID, nil
}
