package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dispatch/internal/domain"
)

// ReconcileTaskName is the scheduler task name the reconciler runs under.
const ReconcileTaskName = "workload-reconcile"

// Reconciler writes every agent's in-memory load back to the workload store.
// Memory is authoritative for the process lifetime; the scheduled write-back
// bounds how far the persisted view can drift when individual saves failed
// or the breaker was open.
type Reconciler struct {
	registry *Registry
	store    domain.WorkloadStore
	bus      domain.EventBus // optional, nil = no events
	logger   *slog.Logger
}

// NewReconciler creates a reconciler over the given registry and store.
func NewReconciler(registry *Registry, store domain.WorkloadStore, bus domain.EventBus, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = discardLogger()
	}
	return &Reconciler{
		registry: registry,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// Run performs one write-back pass over all registered agents and publishes
// a workload.synced event with the synced/failed counts. Individual save
// failures are warn-logged and do not stop the pass.
func (rc *Reconciler) Run(ctx context.Context) {
	if rc.store == nil {
		return
	}

	synced, failed := 0, 0
	for _, a := range rc.registry.List() {
		if err := rc.store.SaveWorkload(ctx, a.ID, a.CurrentLoad); err != nil {
			failed++
			rc.logger.Warn("workload sync failed", "agent_id", a.ID, "error", err)
			continue
		}
		synced++
	}

	if failed > 0 {
		rc.logger.Warn("workload reconciliation incomplete", "synced", synced, "failed", failed)
	} else {
		rc.logger.Debug("workloads reconciled", "synced", synced)
	}
	rc.publishSynced(ctx, synced, failed)
}

func (rc *Reconciler) publishSynced(ctx context.Context, synced, failed int) {
	if rc.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]int{"synced": synced, "failed": failed})
	if err != nil {
		return
	}
	rc.bus.Publish(ctx, domain.Event{
		Type:      domain.EventWorkloadSynced,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
