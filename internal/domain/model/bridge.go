// Package model holds the projections the gateway keeps of agent activity:
// threads, turns, items, the cursor-ordered event log and approvals.
package model

import (
	"encoding/json"
	"time"

	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

// SessionThread addresses session-level events (those without a thread) in
// URLs and CLI flags.
const SessionThread = "_session"

// Turn statuses.
const (
	TurnInProgress = "in_progress"
	TurnCompleted  = "completed"
)

// Item statuses.
const (
	ItemStarted   = "started"
	ItemCompleted = "completed"
)

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalResolved ApprovalStatus = "resolved"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Thread is a conversation owned by the agent.
type Thread struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Turn is one user input and the agent work it triggered.
type Turn struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"threadId"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Item is a unit of turn output: a message, a command run, a file change.
type Item struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId,omitempty"`
	Type      string          `json:"type,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ThreadDetail is a thread with its turns and items, oldest first.
type ThreadDetail struct {
	Thread
	Turns []Turn `json:"turns"`
	Items []Item `json:"items"`
}

// Event is a persisted stream event. ThreadID is empty for session-level
// events. ID, Cursor and CreatedAt are assigned by the repository.
type Event struct {
	ID        string              `json:"id"`
	ThreadID  string              `json:"threadId"`
	Cursor    int64               `json:"cursor"`
	Type      protocol.StreamType `json:"type"`
	Method    string              `json:"method,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
	Payload   json.RawMessage     `json:"payload"`
	CreatedAt time.Time           `json:"createdAt"`
}

// NewEvent converts a stream event into a row awaiting persistence.
func NewEvent(ev protocol.StreamEvent) *Event {
	return &Event{
		ThreadID:  ev.ThreadID,
		Type:      ev.Type,
		Method:    ev.Method,
		RequestID: ev.RequestID,
		Payload:   ev.Payload,
	}
}

// Envelope renders the event the way clients receive it.
func (e Event) Envelope() protocol.EventEnvelope {
	return protocol.StreamEvent{
		Type:      e.Type,
		Method:    e.Method,
		RequestID: e.RequestID,
		ThreadID:  e.ThreadID,
		Payload:   e.Payload,
	}.Envelope(e.Cursor, e.CreatedAt)
}

// Approval records a request for permission raised by the agent.
type Approval struct {
	RequestID  string          `json:"requestId"`
	ThreadID   string          `json:"threadId,omitempty"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Status     ApprovalStatus  `json:"status"`
	Decision   string          `json:"decision,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}
