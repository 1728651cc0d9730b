package streamclient

import (
	"encoding/json"
	"slices"
	"time"
)

// Event is one stream event as served by the gateway. ThreadID is nil for
// session-level events.
type Event struct {
	Type      string          `json:"type"`
	Method    string          `json:"method,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Cursor    int64           `json:"cursor"`
	ThreadID  *string         `json:"threadId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Merge folds incoming into existing keyed by cursor. An incoming event
// replaces an existing one with the same cursor. The result is sorted by
// cursor; next is the highest cursor, or 0 when empty. Replaying events
// that were already merged never grows the result.
func Merge(existing, incoming []Event) (merged []Event, next int64) {
	byCursor := make(map[int64]Event, len(existing)+len(incoming))
	for _, ev := range existing {
		byCursor[ev.Cursor] = ev
	}
	for _, ev := range incoming {
		byCursor[ev.Cursor] = ev
	}

	merged = make([]Event, 0, len(byCursor))
	for _, ev := range byCursor {
		merged = append(merged, ev)
		if ev.Cursor > next {
			next = ev.Cursor
		}
	}
	slices.SortFunc(merged, func(a, b Event) int {
		switch {
		case a.Cursor < b.Cursor:
			return -1
		case a.Cursor > b.Cursor:
			return 1
		}
		return 0
	})
	return merged, next
}
