package gateway

import (
	"encoding/json"
	"strings"

	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

var notificationTypes = map[string]protocol.StreamType{
	"thread/started":    protocol.StreamThreadStarted,
	"turn/started":      protocol.StreamTurnStarted,
	"turn/completed":    protocol.StreamTurnCompleted,
	"item/started":      protocol.StreamItemStarted,
	"item/completed":    protocol.StreamItemCompleted,
	"item/contentDelta": protocol.StreamItemDelta,
	"error":             protocol.StreamError,
}

// MapNotificationToStreamType returns the client-facing type for an agent
// notification method. Methods outside the table are not forwarded.
func MapNotificationToStreamType(method string) (protocol.StreamType, bool) {
	t, ok := notificationTypes[method]
	return t, ok
}

// IsApprovalMethod reports whether a peer request asks the user for
// permission.
func IsApprovalMethod(method string) bool {
	switch method {
	case "execCommandApproval", "applyPatchApproval":
		return true
	}
	return strings.HasSuffix(method, "/requestApproval")
}

// notificationParams is the part of a notification's params the gateway
// reads to scope and project it. Everything else stays opaque.
type notificationParams struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	Thread   json.RawMessage `json:"thread"`
	Turn     json.RawMessage `json:"turn"`
	Item     json.RawMessage `json:"item"`
}

type entityRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Status   string `json:"status"`
	Type     string `json:"type"`
}

func parseParams(raw json.RawMessage) notificationParams {
	var p notificationParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func parseRef(raw json.RawMessage) entityRef {
	var r entityRef
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &r)
	}
	return r
}

// threadID finds the thread a message belongs to: params.threadId, then
// params.thread.id. Empty means session-level.
func (p notificationParams) threadID() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return parseRef(p.Thread).ID
}

// ThreadIDFromParams extracts the thread scope of raw params.
func ThreadIDFromParams(raw json.RawMessage) string {
	return parseParams(raw).threadID()
}
