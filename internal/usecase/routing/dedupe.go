package routing

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultDedupeWindow is how long a message ID is remembered.
	DefaultDedupeWindow = 10 * time.Minute
	// DefaultDedupeEntries bounds the dedupe cache size.
	DefaultDedupeEntries = 4096
)

// Deduper remembers recently routed message IDs so retries inside the window
// are rejected instead of routed twice.
type Deduper struct {
	seen *expirable.LRU[string, time.Time]
}

// NewDeduper creates a Deduper with the given window and capacity.
// Non-positive values fall back to the defaults.
func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupeEntries
	}
	return &Deduper{
		seen: expirable.NewLRU[string, time.Time](maxEntries, nil, window),
	}
}

// Seen records the message ID and reports whether it was already present.
// Empty IDs are never deduplicated. A nil Deduper admits everything, so a
// disabled dedupe config maps to a nil Deduper.
func (d *Deduper) Seen(messageID string) bool {
	if d == nil || messageID == "" {
		return false
	}
	if _, ok := d.seen.Get(messageID); ok {
		return true
	}
	d.seen.Add(messageID, time.Now())
	return false
}

// Len returns the number of remembered message IDs.
func (d *Deduper) Len() int {
	if d == nil {
		return 0
	}
	return d.seen.Len()
}
