package routing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"dispatch/internal/domain"
	"dispatch/internal/infra/tracer"
)

// discardLogger returns a no-op logger for components created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Overrides designate agents that bypass the balancing strategy: urgent
// messages go to FastAgent, messages whose classification flags any of
// MatchFrameworks go to MatchAgent. Empty IDs disable the respective rule.
type Overrides struct {
	FastAgent       string
	MatchAgent      string
	MatchFrameworks []string
}

// RouterDeps holds injected dependencies for the router.
type RouterDeps struct {
	Registry  *Registry
	Strategy  Strategy
	Tasks     domain.TaskStore
	Workloads domain.WorkloadStore // optional, nil = no workload persistence
	Deduper   *Deduper             // optional, nil = no duplicate detection
	Bus       domain.EventBus      // optional, nil = no events
	Overrides Overrides
	Logger    *slog.Logger
}

// Router dispatches classified messages to agents. All selection happens
// in memory through Registry.TryAcquire; only the task write can fail a
// route once an agent is reserved.
type Router struct {
	deps  RouterDeps
	stats *Stats
}

// NewRouter creates a router with the given dependencies.
func NewRouter(deps RouterDeps) *Router {
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	return &Router{deps: deps, stats: NewStats()}
}

// Route selects an agent for the message, persists a pending routing task,
// and returns the assignment. The message must carry a classification.
func (r *Router) Route(ctx context.Context, msg domain.Message) (*domain.RoutingResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route",
		trace.WithAttributes(tracer.StringAttr("message.id", msg.ID)),
	)
	defer span.End()

	const op = "Router.Route"

	if msg.Classification == nil {
		r.stats.RecordFailed()
		err := domain.WrapOp(op, domain.ErrMessageNotClassified)
		tracer.RecordError(span, err)
		return nil, err
	}

	if r.deps.Deduper.Seen(msg.ID) {
		r.stats.RecordFailed()
		r.publishRejected(ctx, msg)
		err := domain.WrapOp(op, domain.ErrDuplicateMessage)
		tracer.RecordError(span, err)
		r.deps.Logger.Warn("duplicate message rejected", "message_id", msg.ID)
		return nil, err
	}

	agent, ok := r.findBestAgent(msg.Classification)
	if !ok {
		r.stats.RecordFailed()
		err := domain.WrapOp(op, domain.ErrNoAgentsAvailable)
		tracer.RecordError(span, err)
		return nil, err
	}

	task := newTask(msg, agent.ID)
	if err := r.deps.Tasks.CreateTask(ctx, task); err != nil {
		// Roll back the reservation so a failed route leaves no workload
		// mutation behind.
		if _, relErr := r.deps.Registry.Release(agent.ID); relErr != nil {
			r.deps.Logger.Error("release after failed task write", "agent_id", agent.ID, "error", relErr)
		}
		r.deps.Logger.Error("task persistence failed",
			"message_id", msg.ID,
			"agent_id", agent.ID,
			"error", err,
		)
		werr := domain.NewDomainError(op, domain.ErrTaskPersistence, err.Error())
		tracer.RecordError(span, werr)
		return nil, werr
	}

	r.persistWorkload(ctx, agent.ID, agent.CurrentLoad)
	r.stats.RecordRouted(agent.ID)
	r.publishRouted(ctx, msg, agent, task)

	r.deps.Logger.Info("message routed",
		"message_id", msg.ID,
		"agent_id", agent.ID,
		"task_id", task.ID,
		"current_load", agent.CurrentLoad,
	)
	tracer.SetOK(span)

	return &domain.RoutingResult{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		TaskID:    task.ID,
		RoutedAt:  task.CreatedAt,
	}, nil
}

// findBestAgent applies the selection order: urgency override, framework
// affinity, strategy candidate, then a registration-order fallback scan.
// The first successful acquisition wins.
func (r *Router) findBestAgent(c *domain.Classification) (domain.Agent, bool) {
	if id := r.deps.Overrides.FastAgent; id != "" && c.IsUrgent() {
		if agent, ok := r.deps.Registry.TryAcquire(id); ok {
			return agent, true
		}
	}

	if id := r.deps.Overrides.MatchAgent; id != "" && c.MatchesFramework(r.deps.Overrides.MatchFrameworks) {
		if agent, ok := r.deps.Registry.TryAcquire(id); ok {
			return agent, true
		}
	}

	if id, err := r.deps.Strategy.Next(); err == nil {
		if agent, ok := r.deps.Registry.TryAcquire(id); ok {
			return agent, true
		}
	} else {
		r.deps.Logger.Debug("strategy produced no candidate", "strategy", r.deps.Strategy.Name(), "error", err)
	}

	for _, a := range r.deps.Registry.List() {
		if agent, ok := r.deps.Registry.TryAcquire(a.ID); ok {
			return agent, true
		}
	}
	return domain.Agent{}, false
}

// Release returns one unit of capacity on the agent and persists the new
// load best-effort. Executors call it when a task finishes.
func (r *Router) Release(ctx context.Context, agentID string) error {
	ctx, span := tracer.StartSpan(ctx, "router.release",
		trace.WithAttributes(tracer.StringAttr("agent.id", agentID)),
	)
	defer span.End()

	agent, err := r.deps.Registry.Release(agentID)
	if err != nil {
		werr := domain.WrapOp("Router.Release", err)
		tracer.RecordError(span, werr)
		return werr
	}
	r.persistWorkload(ctx, agent.ID, agent.CurrentLoad)
	r.publishReleased(ctx, agent)
	r.deps.Logger.Info("agent released", "agent_id", agent.ID, "current_load", agent.CurrentLoad)
	tracer.SetOK(span)
	return nil
}

// SetAgentEnabled toggles whether the agent may receive new work. A
// disabled agent keeps its current load and can still be released.
func (r *Router) SetAgentEnabled(agentID string, enabled bool) error {
	if err := r.deps.Registry.SetEnabled(agentID, enabled); err != nil {
		return domain.WrapOp("Router.SetAgentEnabled", err)
	}
	return nil
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() domain.RoutingStats {
	return r.stats.Snapshot()
}

// ResetStats zeroes the routing counters.
func (r *Router) ResetStats() {
	r.stats.Reset()
}

// Agents returns registry snapshots in registration order.
func (r *Router) Agents() []domain.Agent {
	return r.deps.Registry.List()
}

// persistWorkload writes the agent's load through the breaker. Failures are
// warn-logged and never propagated; memory stays authoritative and the
// reconciler retries later.
func (r *Router) persistWorkload(ctx context.Context, agentID string, load int) {
	if r.deps.Workloads == nil {
		return
	}
	if err := r.deps.Workloads.SaveWorkload(ctx, agentID, load); err != nil {
		r.deps.Logger.Warn("workload persist failed",
			"agent_id", agentID,
			"current_load", load,
			"error", err,
		)
	}
}

// newTask builds the pending task persisted for a routed message.
func newTask(msg domain.Message, agentID string) *domain.RoutingTask {
	sender := msg.Sender
	if sender == "" {
		sender = domain.DefaultSender
	}
	return &domain.RoutingTask{
		ID:             ulid.Make().String(),
		MessageID:      msg.ID,
		AgentID:        agentID,
		Status:         domain.TaskPending,
		CreatedAt:      time.Now().UTC(),
		Classification: msg.Classification.Clone(),
		Source: domain.TaskSource{
			Channel: msg.Channel,
			Sender:  sender,
		},
	}
}

type routedPayload struct {
	TaskID    string `json:"taskId"`
	AgentName string `json:"agentName"`
	Channel   string `json:"channel,omitempty"`
}

func (r *Router) publishRouted(ctx context.Context, msg domain.Message, agent domain.Agent, task *domain.RoutingTask) {
	r.publish(ctx, domain.Event{
		Type:      domain.EventMessageRouted,
		Timestamp: time.Now(),
		MessageID: msg.ID,
		AgentID:   agent.ID,
	}, routedPayload{TaskID: task.ID, AgentName: agent.Name, Channel: msg.Channel})
}

func (r *Router) publishRejected(ctx context.Context, msg domain.Message) {
	r.publish(ctx, domain.Event{
		Type:      domain.EventMessageRejected,
		Timestamp: time.Now(),
		MessageID: msg.ID,
	}, map[string]string{"reason": "duplicate"})
}

func (r *Router) publishReleased(ctx context.Context, agent domain.Agent) {
	r.publish(ctx, domain.Event{
		Type:      domain.EventAgentReleased,
		Timestamp: time.Now(),
		AgentID:   agent.ID,
	}, map[string]int{"currentLoad": agent.CurrentLoad})
}

func (r *Router) publish(ctx context.Context, event domain.Event, payload any) {
	if r.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.deps.Logger.Warn("marshal event payload", "event", string(event.Type), "error", err)
		return
	}
	event.Payload = data
	r.deps.Bus.Publish(ctx, event)
}
