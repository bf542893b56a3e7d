package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"dispatch/internal/domain"
	"dispatch/internal/usecase/routing"
)

const (
	serviceName    = "dispatch"
	serviceVersion = "1.0.0"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service ServiceStatus             `json:"service"`
	Agents  AgentPoolStatus           `json:"agents"`
	Routing RoutingStatus             `json:"routing"`
	Store   StoreStatus               `json:"store"`
	Tasks   map[domain.TaskStatus]int `json:"tasks,omitempty"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AgentPoolStatus summarizes the registered agent pool.
type AgentPoolStatus struct {
	Registered int `json:"registered"`
	Enabled    int `json:"enabled"`
	TotalLoad  int `json:"total_load"`
}

// RoutingStatus holds routing counters and the next reconcile time.
type RoutingStatus struct {
	Routed        uint64     `json:"routed"`
	Failed        uint64     `json:"failed"`
	NextReconcile *time.Time `json:"next_reconcile,omitempty"`
}

// StoreStatus reports workload store availability via the circuit breaker.
type StoreStatus struct {
	State     string `json:"state"`
	Available bool   `json:"available"`
}

// Metrics tracks event counters for the status API and Prometheus metrics.
// Routed/failed totals come from the router's own stats; these cover what
// the stats don't: rejections, releases, reconcile passes.
type Metrics struct {
	RejectedTotal atomic.Int64
	ReleasesTotal atomic.Int64
	SyncsTotal    atomic.Int64
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		agents := deps.Router.Agents()
		enabled, totalLoad := 0, 0
		for _, a := range agents {
			if a.Enabled {
				enabled++
			}
			totalLoad += a.CurrentLoad
		}
		stats := deps.Router.Stats()

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          serviceName,
				Version:       serviceVersion,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Agents: AgentPoolStatus{
				Registered: len(agents),
				Enabled:    enabled,
				TotalLoad:  totalLoad,
			},
			Routing: RoutingStatus{
				Routed: stats.Routed,
				Failed: stats.Failed,
			},
			Store: storeStatus(deps.Store),
		}

		if deps.Scheduler != nil {
			resp.Routing.NextReconcile = deps.Scheduler.NextRun(routing.ReconcileTaskName)
		}
		if deps.Tasks != nil {
			counts, err := deps.Tasks.CountTasksByStatus(r.Context())
			if err != nil {
				deps.Logger.Warn("task counts unavailable", "error", err)
			} else {
				resp.Tasks = counts
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func storeStatus(b BreakerState) StoreStatus {
	if b == nil {
		return StoreStatus{State: "disabled", Available: false}
	}
	state := b.State()
	return StoreStatus{
		State:     state.String(),
		Available: state != gobreaker.StateOpen,
	}
}
