package domain

import "maps"

// Urgency levels produced by the upstream classifier.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Sector is the industry grouping the classifier assigned.
type Sector struct {
	Primary string `json:"primary"`
}

// Intent is the classifier's reading of what the sender wants.
type Intent struct {
	Intent string `json:"intent"`
}

// Urgency carries the classifier's priority level.
type Urgency struct {
	Level string `json:"level"`
}

// Classification is the structured metadata the upstream classifier
// attaches to a message. The router reads sector.primary, intent.intent,
// urgency.level and the framework flags; the whole value is snapshotted
// onto the routing task.
type Classification struct {
	Sector     Sector          `json:"sector"`
	Intent     Intent          `json:"intent"`
	Urgency    Urgency         `json:"urgency"`
	Frameworks map[string]bool `json:"frameworks,omitempty"`
}

// IsUrgent reports whether the urgency level warrants the fast-response
// override.
func (c *Classification) IsUrgent() bool {
	if c == nil {
		return false
	}
	return c.Urgency.Level == UrgencyHigh || c.Urgency.Level == UrgencyCritical
}

// MatchesFramework reports whether any of the given framework keys is
// flagged true.
func (c *Classification) MatchesFramework(keys []string) bool {
	if c == nil || len(c.Frameworks) == 0 {
		return false
	}
	for _, k := range keys {
		if c.Frameworks[k] {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to snapshot onto a task.
func (c *Classification) Clone() *Classification {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Frameworks = maps.Clone(c.Frameworks)
	return &cp
}

// Message is a classified inbound message presented for routing. The
// router treats it as immutable. A nil Classification means the upstream
// classifier never ran; such messages are rejected.
type Message struct {
	ID             string          `json:"id"`
	Channel        string          `json:"channel,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}
