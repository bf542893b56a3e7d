package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"dispatch/internal/domain"
	"dispatch/internal/usecase/routing"
)

// --- handler test doubles ---

type stubTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.RoutingTask
}

func newStubTaskStore() *stubTaskStore {
	return &stubTaskStore{tasks: make(map[string]*domain.RoutingTask)}
}

func (s *stubTaskStore) CreateTask(_ context.Context, task *domain.RoutingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *stubTaskStore) GetTask(_ context.Context, id string) (*domain.RoutingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

func (s *stubTaskStore) ListTasksByAgent(_ context.Context, agentID string, _ int) ([]*domain.RoutingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RoutingTask
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTaskStore) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Status = status
	return nil
}

func (s *stubTaskStore) CountTasksByStatus(_ context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func newHandlerDeps(t *testing.T) HandlerDeps {
	t.Helper()
	logger := slog.Default()
	bus := &testBus{}
	tasks := newStubTaskStore()

	registry, err := routing.Load(context.Background(), []domain.Agent{
		{ID: "qb-lucy", Name: "QB Lucy", Enabled: true, MaxLoad: 1000},
		{ID: "dr-match", Name: "Dr Match", Enabled: true, MaxLoad: 1000},
	}, nil, logger)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strategy, err := routing.NewStrategy(routing.StrategyRoundRobin, registry)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	router := routing.NewRouter(routing.RouterDeps{
		Registry: registry,
		Strategy: strategy,
		Tasks:    tasks,
		Deduper:  routing.NewDeduper(0, 0),
		Bus:      bus,
		Logger:   logger,
	})

	return HandlerDeps{
		Router: router,
		Tasks:  tasks,
		Bus:    bus,
		Logger: logger,
	}
}

func callHandler(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), &ClientInfo{Name: "test"}, json.RawMessage(payload))
}

const classifiedRouteBody = `{
	"id": "m1",
	"channel": "web",
	"sender": "alice",
	"classification": {
		"sector": {"primary": "saas"},
		"intent": {"intent": "signup"},
		"urgency": {"level": "low"},
		"frameworks": {"legacy_rails": true}
	}
}`

// --- RPC tests ---

func TestHandlerRoute(t *testing.T) {
	deps := newHandlerDeps(t)
	h := routeHandler(deps)

	result, err := callHandler(t, h, classifiedRouteBody)
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	var routed domain.RoutingResult
	json.Unmarshal(result, &routed)
	if routed.AgentID == "" || routed.TaskID == "" {
		t.Errorf("result = %+v, want agent and task IDs", routed)
	}
}

func TestHandlerRouteInvalidPayload(t *testing.T) {
	deps := newHandlerDeps(t)
	h := routeHandler(deps)

	_, err := callHandler(t, h, `invalid json`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestHandlerRouteMissingID(t *testing.T) {
	deps := newHandlerDeps(t)
	h := routeHandler(deps)

	_, err := callHandler(t, h, `{"classification":{}}`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestHandlerRouteUnclassified(t *testing.T) {
	deps := newHandlerDeps(t)
	h := routeHandler(deps)

	_, err := callHandler(t, h, `{"id":"m1","channel":"web"}`)
	if !errors.Is(err, domain.ErrMessageNotClassified) {
		t.Errorf("err = %v, want ErrMessageNotClassified", err)
	}
}

func TestHandlerStats(t *testing.T) {
	deps := newHandlerDeps(t)
	callHandler(t, routeHandler(deps), classifiedRouteBody)

	result, err := callHandler(t, statsHandler(deps), `null`)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	var stats domain.RoutingStats
	json.Unmarshal(result, &stats)
	if stats.Routed != 1 {
		t.Errorf("Routed = %d, want 1", stats.Routed)
	}
}

func TestHandlerStatsReset(t *testing.T) {
	deps := newHandlerDeps(t)
	callHandler(t, routeHandler(deps), classifiedRouteBody)

	if _, err := callHandler(t, statsResetHandler(deps), `null`); err != nil {
		t.Fatalf("stats.reset: %v", err)
	}

	result, _ := callHandler(t, statsHandler(deps), `null`)
	var stats domain.RoutingStats
	json.Unmarshal(result, &stats)
	if stats.Routed != 0 || stats.Failed != 0 {
		t.Errorf("stats after reset = %+v", stats)
	}
}

func TestHandlerAgents(t *testing.T) {
	deps := newHandlerDeps(t)

	result, err := callHandler(t, agentsHandler(deps), `null`)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}

	var agents []domain.Agent
	json.Unmarshal(result, &agents)
	if len(agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(agents))
	}
	if agents[0].ID != "qb-lucy" {
		t.Errorf("first agent = %q", agents[0].ID)
	}
}

func TestHandlerAgentRelease(t *testing.T) {
	deps := newHandlerDeps(t)

	result, _ := callHandler(t, routeHandler(deps), classifiedRouteBody)
	var routed domain.RoutingResult
	json.Unmarshal(result, &routed)

	_, err := callHandler(t, agentReleaseHandler(deps), `{"agentId":"`+routed.AgentID+`"}`)
	if err != nil {
		t.Fatalf("agent.release: %v", err)
	}

	for _, a := range deps.Router.Agents() {
		if a.ID == routed.AgentID && a.CurrentLoad != 0 {
			t.Errorf("load = %d after release, want 0", a.CurrentLoad)
		}
	}
}

func TestHandlerAgentReleaseUnknown(t *testing.T) {
	deps := newHandlerDeps(t)

	_, err := callHandler(t, agentReleaseHandler(deps), `{"agentId":"ghost"}`)
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestHandlerAgentReleaseInvalidPayload(t *testing.T) {
	deps := newHandlerDeps(t)

	_, err := callHandler(t, agentReleaseHandler(deps), `{}`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestHandlerAgentEnable(t *testing.T) {
	deps := newHandlerDeps(t)

	if _, err := callHandler(t, agentEnableHandler(deps), `{"agentId":"qb-lucy","enabled":false}`); err != nil {
		t.Fatalf("agent.enable: %v", err)
	}

	// A disabled agent cannot be acquired, so the route lands on dr-match.
	result, err := callHandler(t, routeHandler(deps), classifiedRouteBody)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var routed domain.RoutingResult
	json.Unmarshal(result, &routed)
	if routed.AgentID != "dr-match" {
		t.Errorf("routed to %q, want dr-match", routed.AgentID)
	}

	if _, err := callHandler(t, agentEnableHandler(deps), `{"agentId":"qb-lucy","enabled":true}`); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	for _, a := range deps.Router.Agents() {
		if a.ID == "qb-lucy" && !a.Enabled {
			t.Error("qb-lucy still disabled after re-enable")
		}
	}
}

func TestHandlerAgentEnableUnknown(t *testing.T) {
	deps := newHandlerDeps(t)

	_, err := callHandler(t, agentEnableHandler(deps), `{"agentId":"ghost","enabled":true}`)
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestHandlerAgentEnableMissingFlag(t *testing.T) {
	deps := newHandlerDeps(t)

	// "enabled" must be present: omitting it is not the same as false.
	_, err := callHandler(t, agentEnableHandler(deps), `{"agentId":"qb-lucy"}`)
	if !errors.Is(err, domain.ErrRPCInvalidPayload) {
		t.Errorf("err = %v, want ErrRPCInvalidPayload", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	called := false
	h := requireAdmin(func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	_, err := h(context.Background(), &ClientInfo{Name: "v", Roles: []string{"viewer"}}, nil)
	if !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if called {
		t.Error("handler ran for non-admin client")
	}

	if _, err := h(context.Background(), &ClientInfo{Name: "a", Roles: []string{"admin"}}, nil); err != nil {
		t.Errorf("admin call: %v", err)
	}
	if !called {
		t.Error("handler did not run for admin client")
	}
}

// --- REST tests ---

func TestRESTRoute(t *testing.T) {
	deps := newHandlerDeps(t)
	handler := restRouteHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(classifiedRouteBody))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var routed domain.RoutingResult
	if err := json.NewDecoder(w.Body).Decode(&routed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if routed.AgentID == "" || routed.TaskID == "" {
		t.Errorf("result = %+v", routed)
	}
}

func TestRESTRouteSchemaReject(t *testing.T) {
	deps := newHandlerDeps(t)
	handler := restRouteHandler(deps)

	// id must be a non-empty string.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(`{"id": 123}`))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != string(domain.CodeRPCInvalidPayload) {
		t.Errorf("code = %q, want %q", body.Code, domain.CodeRPCInvalidPayload)
	}
}

func TestRESTRouteMalformedJSON(t *testing.T) {
	deps := newHandlerDeps(t)
	handler := restRouteHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRESTRouteMethodNotAllowed(t *testing.T) {
	deps := newHandlerDeps(t)
	handler := restRouteHandler(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/route", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestRESTRouteUnclassified(t *testing.T) {
	deps := newHandlerDeps(t)
	handler := restRouteHandler(deps)

	// Schema accepts the shape; the router rejects it so the failure is
	// counted in stats.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(`{"id":"m9"}`))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != string(domain.CodeMessageNotClassified) {
		t.Errorf("code = %q, want %q", body.Code, domain.CodeMessageNotClassified)
	}
	if deps.Router.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", deps.Router.Stats().Failed)
	}
}

func TestRESTRouteDuplicate(t *testing.T) {
	deps := newHandlerDeps(t)
	handler := restRouteHandler(deps)

	first := httptest.NewRecorder()
	handler(first, httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(classifiedRouteBody)))
	if first.Code != http.StatusOK {
		t.Fatalf("first route: status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler(second, httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(classifiedRouteBody)))
	if second.Code != http.StatusConflict {
		t.Errorf("duplicate route: status = %d, want 409", second.Code)
	}
}

func TestRESTRouteNoAgents(t *testing.T) {
	logger := slog.Default()
	registry, err := routing.Load(context.Background(), []domain.Agent{
		{ID: "full", Name: "Full", Enabled: true, MaxLoad: 1, CurrentLoad: 0},
	}, nil, logger)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strategy, _ := routing.NewStrategy(routing.StrategyRoundRobin, registry)
	router := routing.NewRouter(routing.RouterDeps{
		Registry: registry,
		Strategy: strategy,
		Tasks:    newStubTaskStore(),
		Logger:   logger,
	})
	deps := HandlerDeps{Router: router, Logger: logger}
	handler := restRouteHandler(deps)

	// First message takes the only slot, the second finds the pool full.
	first := httptest.NewRecorder()
	handler(first, httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(classifiedRouteBody)))
	if first.Code != http.StatusOK {
		t.Fatalf("first route: status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	body := strings.Replace(classifiedRouteBody, `"m1"`, `"m2"`, 1)
	handler(second, httptest.NewRequest(http.MethodPost, "/api/v1/route", strings.NewReader(body)))
	if second.Code != http.StatusServiceUnavailable {
		t.Errorf("exhausted pool: status = %d, want 503", second.Code)
	}
}

func TestRESTStats(t *testing.T) {
	deps := newHandlerDeps(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	restStatsHandler(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats domain.RoutingStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestRESTStatsReset(t *testing.T) {
	deps := newHandlerDeps(t)
	callHandler(t, routeHandler(deps), classifiedRouteBody)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stats/reset", nil)
	w := httptest.NewRecorder()
	restStatsResetHandler(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if deps.Router.Stats().Routed != 0 {
		t.Errorf("Routed = %d after reset", deps.Router.Stats().Routed)
	}
}

func TestRESTAgents(t *testing.T) {
	deps := newHandlerDeps(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	restAgentsHandler(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var agents []domain.Agent
	json.NewDecoder(w.Body).Decode(&agents)
	if len(agents) != 2 {
		t.Errorf("agents = %d, want 2", len(agents))
	}
}

func TestRESTAgentRelease(t *testing.T) {
	deps := newHandlerDeps(t)
	result, _ := callHandler(t, routeHandler(deps), classifiedRouteBody)
	var routed domain.RoutingResult
	json.Unmarshal(result, &routed)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/release",
		strings.NewReader(`{"agentId":"`+routed.AgentID+`"}`))
	w := httptest.NewRecorder()
	restAgentReleaseHandler(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestRESTAgentReleaseUnknown(t *testing.T) {
	deps := newHandlerDeps(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/release",
		strings.NewReader(`{"agentId":"ghost"}`))
	w := httptest.NewRecorder()
	restAgentReleaseHandler(deps)(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != string(domain.CodeAgentNotFound) {
		t.Errorf("code = %q, want %q", body.Code, domain.CodeAgentNotFound)
	}
}

func TestRESTAgentEnable(t *testing.T) {
	deps := newHandlerDeps(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enable",
		strings.NewReader(`{"agentId":"qb-lucy","enabled":false}`))
	w := httptest.NewRecorder()
	restAgentEnableHandler(deps)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	for _, a := range deps.Router.Agents() {
		if a.ID == "qb-lucy" && a.Enabled {
			t.Error("qb-lucy still enabled after disable")
		}
	}
}

func TestRESTAgentEnableUnknown(t *testing.T) {
	deps := newHandlerDeps(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enable",
		strings.NewReader(`{"agentId":"ghost","enabled":false}`))
	w := httptest.NewRecorder()
	restAgentEnableHandler(deps)(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRESTAgentEnableMissingFlag(t *testing.T) {
	deps := newHandlerDeps(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enable",
		strings.NewReader(`{"agentId":"qb-lucy"}`))
	w := httptest.NewRecorder()
	restAgentEnableHandler(deps)(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHTTPStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrMessageNotClassified, http.StatusBadRequest},
		{domain.ErrDuplicateMessage, http.StatusConflict},
		{domain.ErrAgentNotFound, http.StatusNotFound},
		{domain.ErrNoAgentsAvailable, http.StatusServiceUnavailable},
		{domain.ErrTaskPersistence, http.StatusServiceUnavailable},
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := httpStatusFor(tc.err); got != tc.want {
			t.Errorf("httpStatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
