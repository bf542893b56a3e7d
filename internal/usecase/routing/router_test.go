package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"dispatch/internal/domain"
)

// --- Mocks ---

type mockTaskStore struct {
	mu      sync.Mutex
	tasks   []*domain.RoutingTask
	failing bool
}

func (m *mockTaskStore) CreateTask(_ context.Context, task *domain.RoutingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockTaskStore) GetTask(_ context.Context, id string) (*domain.RoutingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.ID == id {
			return task, nil
		}
	}
	return nil, domain.ErrTaskNotFound
}

func (m *mockTaskStore) ListTasksByAgent(_ context.Context, agentID string, limit int) ([]*domain.RoutingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RoutingTask
	for _, task := range m.tasks {
		if task.AgentID == agentID {
			out = append(out, task)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockTaskStore) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.ID == id {
			task.Status = status
			return nil
		}
	}
	return domain.ErrTaskNotFound
}

func (m *mockTaskStore) CountTasksByStatus(_ context.Context) (map[domain.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, task := range m.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (m *mockTaskStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type mockWorkloadStore struct {
	mu      sync.Mutex
	loads   map[string]int
	saves   int
	failing bool
}

func (m *mockWorkloadStore) SaveWorkload(_ context.Context, agentID string, load int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store down")
	}
	if m.loads == nil {
		m.loads = make(map[string]int)
	}
	m.loads[agentID] = load
	m.saves++
	return nil
}

func (m *mockWorkloadStore) LoadWorkloads(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("store down")
	}
	out := make(map[string]int, len(m.loads))
	for id, load := range m.loads {
		out[id] = load
	}
	return out, nil
}

func (m *mockWorkloadStore) Close() error { return nil }

func (m *mockWorkloadStore) load(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[agentID]
}

type mockBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockBus) Publish(_ context.Context, e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (m *mockBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (m *mockBus) Close()                                                 {}

func (m *mockBus) byType(t domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- Helpers ---

func testLogger() *slog.Logger { return slog.Default() }

func testAgents() []domain.Agent {
	return []domain.Agent{
		{ID: "qb-lucy", Name: "QB Lucy", Enabled: true, MaxLoad: 1},
		{ID: "dr-match", Name: "Dr Match", Enabled: true, MaxLoad: 1000},
	}
}

func newTestRouter(t *testing.T, agents []domain.Agent, overrides Overrides) (*Router, *mockTaskStore) {
	t.Helper()
	reg, err := Load(context.Background(), agents, nil, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strat, err := NewStrategy(StrategyRoundRobin, reg)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	tasks := &mockTaskStore{}
	router := NewRouter(RouterDeps{
		Registry:  reg,
		Strategy:  strat,
		Tasks:     tasks,
		Overrides: overrides,
		Logger:    testLogger(),
	})
	return router, tasks
}

func classifiedMsg(id, urgency string) domain.Message {
	return domain.Message{
		ID:      id,
		Channel: "web",
		Classification: &domain.Classification{
			Urgency: domain.Urgency{Level: urgency},
		},
	}
}

// --- Tests ---

func TestRouteUnclassified(t *testing.T) {
	router, tasks := newTestRouter(t, testAgents(), Overrides{})

	_, err := router.Route(context.Background(), domain.Message{ID: "m1"})
	if !errors.Is(err, domain.ErrMessageNotClassified) {
		t.Fatalf("expected ErrMessageNotClassified, got %v", err)
	}

	stats := router.Stats()
	if stats.Failed != 1 || stats.Routed != 0 {
		t.Errorf("stats = routed %d failed %d, want routed 0 failed 1", stats.Routed, stats.Failed)
	}
	if len(stats.AgentCounts) != 0 {
		t.Errorf("agentCounts should be empty, got %v", stats.AgentCounts)
	}
	if tasks.count() != 0 {
		t.Errorf("no task should be persisted, got %d", tasks.count())
	}
}

func TestRouteUrgencyOverride(t *testing.T) {
	router, _ := newTestRouter(t, testAgents(), Overrides{FastAgent: "qb-lucy"})

	// qb-lucy has maxLoad 1: the first urgent message takes its only slot.
	res, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyHigh))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "qb-lucy" {
		t.Errorf("urgent message routed to %q, want qb-lucy", res.AgentID)
	}

	// Fast agent at capacity: the second urgent message falls through.
	res, err = router.Route(context.Background(), classifiedMsg("m2", domain.UrgencyHigh))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "dr-match" {
		t.Errorf("overflow urgent message routed to %q, want dr-match", res.AgentID)
	}
}

func TestRouteCriticalUsesFastAgent(t *testing.T) {
	router, _ := newTestRouter(t, testAgents(), Overrides{FastAgent: "qb-lucy"})

	res, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyCritical))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "qb-lucy" {
		t.Errorf("critical message routed to %q, want qb-lucy", res.AgentID)
	}
}

func TestRouteFrameworkAffinity(t *testing.T) {
	router, _ := newTestRouter(t, testAgents(), Overrides{
		MatchAgent:      "dr-match",
		MatchFrameworks: []string{"legacy_rails"},
	})

	msg := classifiedMsg("m1", domain.UrgencyLow)
	msg.Classification.Frameworks = map[string]bool{"legacy_rails": true}

	res, err := router.Route(context.Background(), msg)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "dr-match" {
		t.Errorf("framework match routed to %q, want dr-match", res.AgentID)
	}
}

func TestRouteFrameworkFlagFalse(t *testing.T) {
	router, _ := newTestRouter(t, testAgents(), Overrides{
		MatchAgent:      "dr-match",
		MatchFrameworks: []string{"legacy_rails"},
	})

	msg := classifiedMsg("m1", domain.UrgencyLow)
	msg.Classification.Frameworks = map[string]bool{"legacy_rails": false}

	// Flag present but false: the strategy decides, and round-robin starts
	// at the first registered agent.
	res, err := router.Route(context.Background(), msg)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "qb-lucy" {
		t.Errorf("routed to %q, want qb-lucy via strategy", res.AgentID)
	}
}

func TestRouteStrategyOrder(t *testing.T) {
	agents := []domain.Agent{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: true},
		{ID: "c", Enabled: true},
	}
	router, _ := newTestRouter(t, agents, Overrides{})

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i, expected := range want {
		res, err := router.Route(context.Background(), classifiedMsg(fmt.Sprintf("m%d", i), domain.UrgencyLow))
		if err != nil {
			t.Fatalf("Route %d: %v", i, err)
		}
		if res.AgentID != expected {
			t.Errorf("call %d routed to %q, want %q", i, res.AgentID, expected)
		}
	}

	stats := router.Stats()
	if stats.Routed != 6 {
		t.Errorf("routed = %d, want 6", stats.Routed)
	}
	for _, id := range []string{"a", "b", "c"} {
		if stats.AgentCounts[id] != 2 {
			t.Errorf("agentCounts[%s] = %d, want 2", id, stats.AgentCounts[id])
		}
	}
}

func TestRouteFallbackScan(t *testing.T) {
	agents := []domain.Agent{
		{ID: "a", Enabled: false},
		{ID: "b", Enabled: true, MaxLoad: 5},
	}
	router, _ := newTestRouter(t, agents, Overrides{})

	// Round-robin proposes "a" first, acquisition fails (disabled), and the
	// fallback scan lands on "b".
	res, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "b" {
		t.Errorf("routed to %q, want b via fallback scan", res.AgentID)
	}
}

func TestRouteNoAgentsAvailable(t *testing.T) {
	agents := []domain.Agent{
		{ID: "a", Enabled: false},
		{ID: "b", Enabled: false},
	}
	router, tasks := newTestRouter(t, agents, Overrides{})

	_, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyHigh))
	if !errors.Is(err, domain.ErrNoAgentsAvailable) {
		t.Fatalf("expected ErrNoAgentsAvailable, got %v", err)
	}
	if tasks.count() != 0 {
		t.Errorf("no task should be persisted, got %d", tasks.count())
	}
	if stats := router.Stats(); stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
}

func TestRouteTaskPersistFailure(t *testing.T) {
	reg, err := Load(context.Background(), testAgents(), nil, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strat, err := NewStrategy(StrategyRoundRobin, reg)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	router := NewRouter(RouterDeps{
		Registry: reg,
		Strategy: strat,
		Tasks:    &mockTaskStore{failing: true},
		Logger:   testLogger(),
	})

	_, err = router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow))
	if !errors.Is(err, domain.ErrTaskPersistence) {
		t.Fatalf("expected ErrTaskPersistence, got %v", err)
	}
	if !domain.IsRetryableError(err) {
		t.Errorf("task persistence failure should be retryable")
	}

	// The reservation must be rolled back and no counter touched.
	for _, a := range router.Agents() {
		if a.CurrentLoad != 0 {
			t.Errorf("agent %s load = %d after rollback, want 0", a.ID, a.CurrentLoad)
		}
	}
	stats := router.Stats()
	if stats.Routed != 0 || stats.Failed != 0 {
		t.Errorf("stats = routed %d failed %d, want both 0", stats.Routed, stats.Failed)
	}
}

func TestRouteDuplicateMessage(t *testing.T) {
	reg, err := Load(context.Background(), testAgents(), nil, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strat, err := NewStrategy(StrategyRoundRobin, reg)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	tasks := &mockTaskStore{}
	bus := &mockBus{}
	router := NewRouter(RouterDeps{
		Registry: reg,
		Strategy: strat,
		Tasks:    tasks,
		Deduper:  NewDeduper(0, 0),
		Bus:      bus,
		Logger:   testLogger(),
	})

	if _, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow)); err != nil {
		t.Fatalf("first Route: %v", err)
	}
	_, err = router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow))
	if !errors.Is(err, domain.ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	if tasks.count() != 1 {
		t.Errorf("tasks = %d, want 1 (duplicate must not create a second)", tasks.count())
	}
	stats := router.Stats()
	if stats.Routed != 1 || stats.Failed != 1 {
		t.Errorf("stats = routed %d failed %d, want 1/1", stats.Routed, stats.Failed)
	}
	if rejected := bus.byType(domain.EventMessageRejected); len(rejected) != 1 {
		t.Errorf("rejected events = %d, want 1", len(rejected))
	}
}

func TestRouteStatsAfterReset(t *testing.T) {
	router, _ := newTestRouter(t, testAgents(), Overrides{})

	if _, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	router.ResetStats()
	if _, err := router.Route(context.Background(), classifiedMsg("m2", domain.UrgencyLow)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	stats := router.Stats()
	if stats.Routed != 1 || stats.Failed != 0 {
		t.Errorf("stats = routed %d failed %d, want 1/0", stats.Routed, stats.Failed)
	}
	if len(stats.AgentCounts) != 1 {
		t.Errorf("agentCounts = %v, want exactly one agent", stats.AgentCounts)
	}
}

func TestRouteConcurrentCapacity(t *testing.T) {
	const maxLoad = 8
	const callers = 32

	agents := []domain.Agent{{ID: "solo", Enabled: true, MaxLoad: maxLoad}}
	router, tasks := newTestRouter(t, agents, Overrides{})

	var wg sync.WaitGroup
	var routed, failed sync.Map
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", n)
			_, err := router.Route(context.Background(), classifiedMsg(id, domain.UrgencyLow))
			if err == nil {
				routed.Store(id, true)
			} else if errors.Is(err, domain.ErrNoAgentsAvailable) {
				failed.Store(id, true)
			}
		}(i)
	}
	wg.Wait()

	count := func(m *sync.Map) int {
		n := 0
		m.Range(func(any, any) bool { n++; return true })
		return n
	}
	if got := count(&routed); got != maxLoad {
		t.Errorf("admitted %d tasks, want exactly %d", got, maxLoad)
	}
	if got := count(&failed); got != callers-maxLoad {
		t.Errorf("rejected %d, want %d", got, callers-maxLoad)
	}
	if tasks.count() != maxLoad {
		t.Errorf("persisted tasks = %d, want %d", tasks.count(), maxLoad)
	}

	agent, err := router.deps.Registry.Get("solo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.CurrentLoad != maxLoad {
		t.Errorf("currentLoad = %d, want %d", agent.CurrentLoad, maxLoad)
	}
}

func TestReleaseMakesAgentRoutable(t *testing.T) {
	agents := []domain.Agent{{ID: "solo", Enabled: true, MaxLoad: 1}}
	router, _ := newTestRouter(t, agents, Overrides{})

	if _, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow)); err != nil {
		t.Fatalf("first Route: %v", err)
	}
	if _, err := router.Route(context.Background(), classifiedMsg("m2", domain.UrgencyLow)); !errors.Is(err, domain.ErrNoAgentsAvailable) {
		t.Fatalf("expected ErrNoAgentsAvailable at capacity, got %v", err)
	}

	if err := router.Release(context.Background(), "solo"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := router.Route(context.Background(), classifiedMsg("m3", domain.UrgencyLow)); err != nil {
		t.Fatalf("Route after release: %v", err)
	}
}

func TestReleaseUnknownAgent(t *testing.T) {
	router, _ := newTestRouter(t, testAgents(), Overrides{})

	err := router.Release(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRouteTaskFields(t *testing.T) {
	router, tasks := newTestRouter(t, testAgents(), Overrides{})

	msg := classifiedMsg("m1", domain.UrgencyLow)
	msg.Classification.Frameworks = map[string]bool{"legacy_rails": true}

	res, err := router.Route(context.Background(), msg)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if len(res.TaskID) != 26 {
		t.Errorf("task ID %q is not a ULID", res.TaskID)
	}
	if res.AgentName != "QB Lucy" {
		t.Errorf("agentName = %q, want %q", res.AgentName, "QB Lucy")
	}
	if res.RoutedAt.IsZero() {
		t.Error("routedAt should be set")
	}

	task, err := tasks.GetTask(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.MessageID != "m1" {
		t.Errorf("messageId = %q, want m1", task.MessageID)
	}
	if task.Source.Sender != domain.DefaultSender {
		t.Errorf("sender = %q, want %q", task.Source.Sender, domain.DefaultSender)
	}
	if task.Source.Channel != "web" {
		t.Errorf("channel = %q, want web", task.Source.Channel)
	}

	// The task carries a snapshot, not the caller's map.
	msg.Classification.Frameworks["legacy_rails"] = false
	if !task.Classification.Frameworks["legacy_rails"] {
		t.Error("task classification should be an independent snapshot")
	}
}

func TestRoutePublishesRoutedEvent(t *testing.T) {
	reg, err := Load(context.Background(), testAgents(), nil, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strat, err := NewStrategy(StrategyRoundRobin, reg)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	bus := &mockBus{}
	router := NewRouter(RouterDeps{
		Registry: reg,
		Strategy: strat,
		Tasks:    &mockTaskStore{},
		Bus:      bus,
		Logger:   testLogger(),
	})

	if _, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	routed := bus.byType(domain.EventMessageRouted)
	if len(routed) != 1 {
		t.Fatalf("routed events = %d, want 1", len(routed))
	}
	if routed[0].MessageID != "m1" || routed[0].AgentID != "qb-lucy" {
		t.Errorf("event = message %q agent %q, want m1/qb-lucy", routed[0].MessageID, routed[0].AgentID)
	}
	if len(routed[0].Payload) == 0 {
		t.Error("routed event should carry a payload")
	}
}

func TestRouteWorkloadPersistBestEffort(t *testing.T) {
	reg, err := Load(context.Background(), testAgents(), nil, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strat, err := NewStrategy(StrategyRoundRobin, reg)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	router := NewRouter(RouterDeps{
		Registry:  reg,
		Strategy:  strat,
		Tasks:     &mockTaskStore{},
		Workloads: &mockWorkloadStore{failing: true},
		Logger:    testLogger(),
	})

	// A broken workload store must never fail routing.
	if _, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow)); err != nil {
		t.Fatalf("Route: %v", err)
	}
}

func TestRouteWorkloadPersisted(t *testing.T) {
	reg, err := Load(context.Background(), testAgents(), nil, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strat, err := NewStrategy(StrategyRoundRobin, reg)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	workloads := &mockWorkloadStore{}
	router := NewRouter(RouterDeps{
		Registry:  reg,
		Strategy:  strat,
		Tasks:     &mockTaskStore{},
		Workloads: workloads,
		Logger:    testLogger(),
	})

	if _, err := router.Route(context.Background(), classifiedMsg("m1", domain.UrgencyLow)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := workloads.load("qb-lucy"); got != 1 {
		t.Errorf("persisted load = %d, want 1", got)
	}

	if err := router.Release(context.Background(), "qb-lucy"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := workloads.load("qb-lucy"); got != 0 {
		t.Errorf("persisted load after release = %d, want 0", got)
	}
}
