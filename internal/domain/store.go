package domain

import (
	"context"
	"time"
)

// WorkloadRecord is one persisted per-agent workload row.
type WorkloadRecord struct {
	AgentID     string    `json:"agentId"`
	CurrentLoad int       `json:"currentLoad"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WorkloadStore persists per-agent workload counters. Saves are merge
// writes keyed on agent id; the in-memory registry stays authoritative
// between saves.
type WorkloadStore interface {
	SaveWorkload(ctx context.Context, agentID string, currentLoad int) error
	LoadWorkloads(ctx context.Context) (map[string]int, error)
	Close() error
}

// TaskStore persists routing tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *RoutingTask) error
	GetTask(ctx context.Context, id string) (*RoutingTask, error)
	ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*RoutingTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
}
