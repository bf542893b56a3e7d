package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/sony/gobreaker/v2"

	"dispatch/internal/domain"
	"dispatch/internal/usecase/routing"
	"dispatch/internal/usecase/scheduling"
)

// BreakerState exposes the workload store circuit state for the status
// and metrics endpoints. *store.BreakerStore satisfies it.
type BreakerState interface {
	State() gobreaker.State
}

// HandlerDeps holds dependencies needed by RPC and REST handlers.
type HandlerDeps struct {
	Router    *routing.Router
	Tasks     domain.TaskStore      // can be nil (no task counts in status)
	Store     BreakerState          // can be nil (workload persistence disabled)
	Scheduler *scheduling.Scheduler // can be nil (no reconcile info in status)
	Bus       domain.EventBus
	Logger    *slog.Logger
}

// requireAdmin wraps an RPCHandler so only admin clients may call it.
func requireAdmin(handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !client.IsAdmin() {
			return nil, domain.ErrForbidden
		}
		return handler(ctx, client, payload)
	}
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
// Mutating methods are restricted to admin clients.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("route", routeHandler(deps))
	s.RegisterHandler("stats", statsHandler(deps))
	s.RegisterHandler("stats.reset", requireAdmin(statsResetHandler(deps)))
	s.RegisterHandler("agents", agentsHandler(deps))
	s.RegisterHandler("agent.release", requireAdmin(agentReleaseHandler(deps)))
	s.RegisterHandler("agent.enable", requireAdmin(agentEnableHandler(deps)))
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	// Subscribe to events for metric counters.
	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventMessageRejected, func(_ context.Context, e domain.Event) {
			metrics.RejectedTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventAgentReleased, func(_ context.Context, e domain.Event) {
			metrics.ReleasesTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventWorkloadSynced, func(_ context.Context, e domain.Event) {
			metrics.SyncsTotal.Add(1)
		})
	}

	// Auth middleware for REST endpoints.
	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(requestToken(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	// Admin middleware for mutating endpoints.
	adminMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			info, err := s.auth.Authenticate(requestToken(r))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !info.IsAdmin() {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/route", authMiddleware(restRouteHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/stats", authMiddleware(restStatsHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/stats/reset", adminMiddleware(restStatsResetHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/agents", authMiddleware(restAgentsHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/agents/release", adminMiddleware(restAgentReleaseHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/agents/enable", adminMiddleware(restAgentEnableHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))

	return metrics
}

// requestToken extracts the auth token from the query string or the
// Authorization: Bearer header.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		return token[7:]
	}
	return token
}

// --- route ---

type routeRequest struct {
	ID             string                 `json:"id"`
	Channel        string                 `json:"channel"`
	Sender         string                 `json:"sender"`
	Classification *domain.Classification `json:"classification"`
}

func (r routeRequest) message() domain.Message {
	return domain.Message{
		ID:             r.ID,
		Channel:        r.Channel,
		Sender:         r.Sender,
		Classification: r.Classification,
	}
}

func routeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req routeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.ID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		result, err := deps.Router.Route(ctx, req.message())
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

// routeSchemaJSON validates the shape of POST /api/v1/route bodies. A
// missing classification passes here: the router rejects it semantically
// so that the failure is counted, same as on the WebSocket path.
const routeSchemaJSON = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"channel": {"type": "string"},
		"sender": {"type": "string"},
		"classification": {
			"type": "object",
			"properties": {
				"sector": {
					"type": "object",
					"properties": {"primary": {"type": "string"}}
				},
				"intent": {
					"type": "object",
					"properties": {"intent": {"type": "string"}}
				},
				"urgency": {
					"type": "object",
					"properties": {"level": {"type": "string"}}
				},
				"frameworks": {
					"type": "object",
					"additionalProperties": {"type": "boolean"}
				}
			}
		}
	}
}`

var routeSchema = mustCompileSchema(routeSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("gateway: compile schema: %v", err))
	}
	return schema
}

func restRouteHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		var raw any
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, deps.Logger, http.StatusBadRequest, domain.ErrRPCInvalidPayload)
			return
		}
		if result := routeSchema.Validate(raw); !result.IsValid() {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: fmt.Sprintf("%s", result.Error()),
				Code:  string(domain.CodeRPCInvalidPayload),
			})
			return
		}

		var req routeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, deps.Logger, http.StatusBadRequest, domain.ErrRPCInvalidPayload)
			return
		}

		routed, err := deps.Router.Route(r.Context(), req.message())
		if err != nil {
			writeError(w, deps.Logger, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, routed)
	}
}

// --- stats ---

func statsHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Router.Stats())
	}
}

func statsResetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		deps.Router.ResetStats()
		return json.Marshal(map[string]bool{"ok": true})
	}
}

func restStatsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, deps.Router.Stats())
	}
}

func restStatsResetHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.Router.ResetStats()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// --- agents ---

func agentsHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Router.Agents())
	}
}

type agentReleaseRequest struct {
	AgentID string `json:"agentId"`
}

func agentReleaseHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentReleaseRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.AgentID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Router.Release(ctx, req.AgentID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// agentEnableRequest uses *bool so a body that omits "enabled" is rejected
// instead of silently disabling the agent.
type agentEnableRequest struct {
	AgentID string `json:"agentId"`
	Enabled *bool  `json:"enabled"`
}

func agentEnableHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentEnableRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.AgentID == "" || req.Enabled == nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Router.SetAgentEnabled(req.AgentID, *req.Enabled); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

func restAgentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, deps.Router.Agents())
	}
}

func restAgentReleaseHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req agentReleaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			writeError(w, deps.Logger, http.StatusBadRequest, domain.ErrRPCInvalidPayload)
			return
		}
		if err := deps.Router.Release(r.Context(), req.AgentID); err != nil {
			writeError(w, deps.Logger, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func restAgentEnableHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req agentEnableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.Enabled == nil {
			writeError(w, deps.Logger, http.StatusBadRequest, domain.ErrRPCInvalidPayload)
			return
		}
		if err := deps.Router.SetAgentEnabled(req.AgentID, *req.Enabled); err != nil {
			writeError(w, deps.Logger, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// --- HTTP helpers ---

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, err error) {
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("gateway request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{
		Error: err.Error(),
		Code:  string(domain.ErrorCodeOf(err)),
	})
}

// httpStatusFor maps routing errors to HTTP status codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMessageNotClassified):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoAgentsAvailable),
		errors.Is(err, domain.ErrTaskPersistence),
		errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
