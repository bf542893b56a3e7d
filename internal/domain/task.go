package domain

import "time"

// TaskStatus is the lifecycle state of a routing task. The router only
// ever creates tasks as TaskPending; later transitions belong to the
// executor consuming the task store.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// DefaultSender is recorded when the inbound message carries no sender.
const DefaultSender = "unknown"

// TaskSource records where the routed message came from.
type TaskSource struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
}

// RoutingTask is the durable record of one routing decision. Exactly one
// is written per successful route.
type RoutingTask struct {
	ID             string          `json:"id"`
	MessageID      string          `json:"messageId"`
	AgentID        string          `json:"agentId"`
	Status         TaskStatus      `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	Classification *Classification `json:"classification,omitempty"`
	Source         TaskSource      `json:"source"`
}
