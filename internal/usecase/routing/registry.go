package routing

import (
	"context"
	"log/slog"
	"sync"

	"dispatch/internal/domain"
)

// Registry holds the agent pool and serializes every workload mutation.
// Capacity check and increment happen in one critical section (TryAcquire),
// so currentLoad can never exceed maxLoad.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
	order  []string // registration order, drives fallback scan and tie-breaks
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{
		agents: make(map[string]*domain.Agent),
		logger: logger,
	}
}

// Load builds a Registry from the static agent pool and merges persisted
// workloads from the store. A nil or unavailable store leaves all loads at
// zero; that is warn-logged and non-fatal.
func Load(ctx context.Context, agents []domain.Agent, store domain.WorkloadStore, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}

	if store == nil {
		return r, nil
	}
	loads, err := store.LoadWorkloads(ctx)
	if err != nil {
		r.logger.Warn("workload restore failed, starting with zero loads", "error", err)
		return r, nil
	}
	if n := r.RestoreWorkloads(loads); n > 0 {
		r.logger.Info("restored persisted workloads", "agents", n)
	}
	return r, nil
}

// Register adds an agent after normalizing it. Returns ErrDuplicateAgent if
// the ID is already registered.
func (r *Registry) Register(agent domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := agent.Normalize()
	if _, exists := r.agents[a.ID]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicateAgent, a.ID)
	}
	r.agents[a.ID] = &a
	r.order = append(r.order, a.ID)
	r.logger.Info("agent registered",
		"agent_id", a.ID,
		"name", a.Name,
		"enabled", a.Enabled,
		"max_load", a.MaxLoad,
		"weight", a.Weight,
	)
	return nil
}

// Get returns a snapshot of the agent, or ErrAgentNotFound.
func (r *Registry) Get(agentID string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return domain.Agent{}, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, agentID)
	}
	return *a, nil
}

// HasCapacity reports whether the agent is enabled and below its maximum
// load. Advisory only: the answer may be stale by the time the caller acts
// on it, so routing must go through TryAcquire.
func (r *Registry) HasCapacity(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	return ok && a.Usable()
}

// TryAcquire reserves one unit of capacity on the agent. It reports false
// when the agent is unknown, disabled, or already at maxLoad. On success it
// returns the post-increment snapshot.
func (r *Registry) TryAcquire(agentID string) (domain.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok || !a.Usable() {
		return domain.Agent{}, false
	}
	a.CurrentLoad++
	return *a, true
}

// Release returns one unit of capacity on the agent, flooring at zero, and
// returns the post-decrement snapshot. Returns ErrAgentNotFound for unknown
// IDs.
func (r *Registry) Release(agentID string) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return domain.Agent{}, domain.NewDomainError("Registry.Release", domain.ErrAgentNotFound, agentID)
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	return *a, nil
}

// SetEnabled toggles the agent's enabled flag. Strategies built on a
// pre-filtered agent list (weighted round-robin) do not observe the change
// until reconstruction; acquisition always does.
func (r *Registry) SetEnabled(agentID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return domain.NewDomainError("Registry.SetEnabled", domain.ErrAgentNotFound, agentID)
	}
	a.Enabled = enabled
	r.logger.Info("agent enabled flag changed", "agent_id", agentID, "enabled", enabled)
	return nil
}

// List returns agent snapshots in registration order.
func (r *Registry) List() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RestoreWorkloads merges persisted loads into the registry, clamping each
// to [0, maxLoad]. Loads for unknown agent IDs are warn-logged and skipped.
// Returns the number of agents updated.
func (r *Registry) RestoreWorkloads(loads map[string]int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for id, load := range loads {
		a, ok := r.agents[id]
		if !ok {
			r.logger.Warn("persisted workload for unknown agent, skipping", "agent_id", id)
			continue
		}
		if load < 0 {
			load = 0
		}
		if load > a.MaxLoad {
			load = a.MaxLoad
		}
		a.CurrentLoad = load
		restored++
	}
	return restored
}
