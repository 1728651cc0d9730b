package protocol

import (
	"encoding/json"
	"time"
)

// StreamType is the stable event taxonomy forwarded to browser clients,
// decoupled from the agent's own method names.
type StreamType string

// Stream event types.
const (
	StreamThreadStarted     StreamType = "thread.started"
	StreamTurnStarted       StreamType = "turn.started"
	StreamItemStarted       StreamType = "item.started"
	StreamItemDelta         StreamType = "item.delta"
	StreamItemCompleted     StreamType = "item.completed"
	StreamTurnCompleted     StreamType = "turn.completed"
	StreamApprovalRequested StreamType = "approval.requested"
	StreamApprovalResolved  StreamType = "approval.resolved"
	StreamError             StreamType = "error"
)

// Valid reports whether t is one of the known stream types.
func (t StreamType) Valid() bool {
	switch t {
	case StreamThreadStarted, StreamTurnStarted, StreamItemStarted, StreamItemDelta,
		StreamItemCompleted, StreamTurnCompleted, StreamApprovalRequested,
		StreamApprovalResolved, StreamError:
		return true
	}
	return false
}

// StreamEvent is produced by the gateway for every forwarded notification or
// approval transition. Treat it as immutable once built.
type StreamEvent struct {
	Type      StreamType      `json:"type"`
	Method    string          `json:"method,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// EventEnvelope is what browser clients receive over WebSocket and HTTP.
// Cursor is the resumption token; ThreadID is null for session-level events.
type EventEnvelope struct {
	Type      StreamType      `json:"type"`
	Method    string          `json:"method,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Cursor    int64           `json:"cursor"`
	ThreadID  *string         `json:"threadId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Envelope wraps ev with the cursor and timestamp assigned at persistence.
func (ev StreamEvent) Envelope(cursor int64, createdAt time.Time) EventEnvelope {
	env := EventEnvelope{
		Type:      ev.Type,
		Method:    ev.Method,
		RequestID: ev.RequestID,
		Cursor:    cursor,
		Payload:   ev.Payload,
		CreatedAt: createdAt.UTC(),
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	if ev.ThreadID != "" {
		id := ev.ThreadID
		env.ThreadID = &id
	}
	return env
}
