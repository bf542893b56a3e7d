package domain

import "time"

// RoutingResult is returned to the caller after a successful routing
// decision. RoutedAt serializes as RFC 3339.
type RoutingResult struct {
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	TaskID    string    `json:"taskId"`
	RoutedAt  time.Time `json:"routedAt"`
}

// RoutingStats are process-lifetime routing counters. Routed and the
// per-agent counts move together on success; Failed counts rejected calls
// (unclassified, duplicate, pool exhausted).
type RoutingStats struct {
	Routed      uint64            `json:"routed"`
	Failed      uint64            `json:"failed"`
	AgentCounts map[string]uint64 `json:"agentCounts"`
}
