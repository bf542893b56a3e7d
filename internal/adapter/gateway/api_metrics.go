package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/sony/gobreaker/v2"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		stats := deps.Router.Stats()
		agents := deps.Router.Agents()

		// Routing counters.
		fmt.Fprintf(w, "# HELP dispatch_messages_routed_total Total messages routed to an agent.\n")
		fmt.Fprintf(w, "# TYPE dispatch_messages_routed_total counter\n")
		fmt.Fprintf(w, "dispatch_messages_routed_total %d\n", stats.Routed)

		fmt.Fprintf(w, "# HELP dispatch_messages_failed_total Total routing calls that failed.\n")
		fmt.Fprintf(w, "# TYPE dispatch_messages_failed_total counter\n")
		fmt.Fprintf(w, "dispatch_messages_failed_total %d\n", stats.Failed)

		fmt.Fprintf(w, "# HELP dispatch_messages_rejected_total Messages rejected as duplicates.\n")
		fmt.Fprintf(w, "# TYPE dispatch_messages_rejected_total counter\n")
		fmt.Fprintf(w, "dispatch_messages_rejected_total %d\n", metrics.RejectedTotal.Load())

		fmt.Fprintf(w, "# HELP dispatch_agent_releases_total Total agent workload releases.\n")
		fmt.Fprintf(w, "# TYPE dispatch_agent_releases_total counter\n")
		fmt.Fprintf(w, "dispatch_agent_releases_total %d\n", metrics.ReleasesTotal.Load())

		fmt.Fprintf(w, "# HELP dispatch_workload_syncs_total Total reconcile passes.\n")
		fmt.Fprintf(w, "# TYPE dispatch_workload_syncs_total counter\n")
		fmt.Fprintf(w, "dispatch_workload_syncs_total %d\n", metrics.SyncsTotal.Load())

		// Per-agent counters and gauges.
		fmt.Fprintf(w, "# HELP dispatch_agent_routed_total Messages routed per agent.\n")
		fmt.Fprintf(w, "# TYPE dispatch_agent_routed_total counter\n")
		for agentID, count := range stats.AgentCounts {
			fmt.Fprintf(w, "dispatch_agent_routed_total{agent=%q} %d\n", agentID, count)
		}

		fmt.Fprintf(w, "# HELP dispatch_agent_load Current concurrent workload per agent.\n")
		fmt.Fprintf(w, "# TYPE dispatch_agent_load gauge\n")
		for _, a := range agents {
			fmt.Fprintf(w, "dispatch_agent_load{agent=%q} %d\n", a.ID, a.CurrentLoad)
		}

		fmt.Fprintf(w, "# HELP dispatch_agent_max_load Configured capacity per agent.\n")
		fmt.Fprintf(w, "# TYPE dispatch_agent_max_load gauge\n")
		for _, a := range agents {
			fmt.Fprintf(w, "dispatch_agent_max_load{agent=%q} %d\n", a.ID, a.MaxLoad)
		}

		// Pool gauges.
		enabled := 0
		for _, a := range agents {
			if a.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(w, "# HELP dispatch_agents_registered Number of registered agents.\n")
		fmt.Fprintf(w, "# TYPE dispatch_agents_registered gauge\n")
		fmt.Fprintf(w, "dispatch_agents_registered %d\n", len(agents))

		fmt.Fprintf(w, "# HELP dispatch_agents_enabled Number of enabled agents.\n")
		fmt.Fprintf(w, "# TYPE dispatch_agents_enabled gauge\n")
		fmt.Fprintf(w, "dispatch_agents_enabled %d\n", enabled)

		// Store availability via the circuit breaker.
		if deps.Store != nil {
			open := 0
			if deps.Store.State() == gobreaker.StateOpen {
				open = 1
			}
			fmt.Fprintf(w, "# HELP dispatch_store_circuit_open Whether the workload store circuit is open.\n")
			fmt.Fprintf(w, "# TYPE dispatch_store_circuit_open gauge\n")
			fmt.Fprintf(w, "dispatch_store_circuit_open %d\n", open)
		}

		// Uptime.
		fmt.Fprintf(w, "# HELP dispatch_uptime_seconds Seconds since the service started.\n")
		fmt.Fprintf(w, "# TYPE dispatch_uptime_seconds gauge\n")
		fmt.Fprintf(w, "dispatch_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}
