package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/highclaw/agentbridge/pkg/streamclient"
)

type chatLine struct {
	Role      string
	Content   string
	ItemID    string
	Timestamp time.Time
}

type pendingApproval struct {
	RequestID string
	Method    string
	Summary   string
}

// transcript is the rendered view of one thread's event stream. Events are
// applied in cursor order; a cursor that was already applied is skipped.
type transcript struct {
	lines     []chatLine
	approvals []pendingApproval
	applied   int64
	turnID    string
	running   bool
}

type eventPayload struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	ItemID   string          `json:"itemId"`
	Delta    string          `json:"delta"`
	Message  string          `json:"message"`
	Decision string          `json:"decision"`
	Params   json.RawMessage `json:"params"`
	Turn     *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
	Item *itemPayload `json:"item"`
	Err  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type itemPayload struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Text             string          `json:"text"`
	Command          json.RawMessage `json:"command"`
	ExitCode         *int            `json:"exitCode"`
	AggregatedOutput string          `json:"aggregatedOutput"`
}

func (t *transcript) apply(events []streamclient.Event) {
	for _, ev := range events {
		if ev.Cursor <= t.applied {
			continue
		}
		t.applied = ev.Cursor
		t.applyOne(ev)
	}
}

func (t *transcript) applyOne(ev streamclient.Event) {
	var p eventPayload
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &p)
	}
	at := ev.CreatedAt

	switch ev.Type {
	case "turn.started":
		t.running = true
		if p.Turn != nil {
			t.turnID = p.Turn.ID
		}

	case "item.delta":
		if p.Delta == "" {
			return
		}
		if i := t.findItem(p.ItemID); i >= 0 {
			t.lines[i].Content += p.Delta
			return
		}
		t.lines = append(t.lines, chatLine{Role: "assistant", Content: p.Delta, ItemID: p.ItemID, Timestamp: at})

	case "item.completed":
		if p.Item == nil {
			return
		}
		line, ok := renderItem(p.Item)
		if !ok {
			return
		}
		line.Timestamp = at
		if i := t.findItem(p.Item.ID); i >= 0 {
			t.lines[i] = line
			return
		}
		t.lines = append(t.lines, line)

	case "turn.completed":
		t.running = false
		t.turnID = ""
		if p.Turn != nil && p.Turn.Status != "" && p.Turn.Status != "completed" {
			t.system(at, "Turn "+p.Turn.Status+".")
		}

	case "approval.requested":
		pa := pendingApproval{RequestID: ev.RequestID, Method: ev.Method, Summary: approvalSummary(p.Params)}
		t.approvals = append(t.approvals, pa)
		t.system(at, fmt.Sprintf("Approval %s requested: %s  (ctrl+a accept, ctrl+d decline)", pa.RequestID, pa.Summary))

	case "approval.resolved":
		t.dropApproval(ev.RequestID)
		t.system(at, fmt.Sprintf("Approval %s: %s", ev.RequestID, p.Decision))

	case "error":
		msg := p.Message
		if msg == "" && p.Err != nil {
			msg = p.Err.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(string(ev.Payload))
		}
		t.system(at, "Error: "+msg)
	}
}

func (t *transcript) system(at time.Time, text string) {
	t.lines = append(t.lines, chatLine{Role: "system", Content: text, Timestamp: at})
}

func (t *transcript) findItem(id string) int {
	if id == "" {
		return -1
	}
	for i := len(t.lines) - 1; i >= 0; i-- {
		if t.lines[i].ItemID == id {
			return i
		}
	}
	return -1
}

func (t *transcript) dropApproval(requestID string) {
	for i, pa := range t.approvals {
		if pa.RequestID == requestID {
			t.approvals = append(t.approvals[:i], t.approvals[i+1:]...)
			return
		}
	}
}

// oldestApproval returns the first unresolved approval, or nil.
func (t *transcript) oldestApproval() *pendingApproval {
	if len(t.approvals) == 0 {
		return nil
	}
	return &t.approvals[0]
}

func renderItem(it *itemPayload) (chatLine, bool) {
	switch it.Type {
	case "agentMessage":
		return chatLine{Role: "assistant", Content: it.Text, ItemID: it.ID}, true
	case "userMessage":
		return chatLine{}, false
	case "commandExecution":
		content := "$ " + commandText(it.Command)
		if it.ExitCode != nil {
			content += fmt.Sprintf("  (exit %d)", *it.ExitCode)
		}
		return chatLine{Role: "tool", Content: content, ItemID: it.ID}, true
	case "reasoning":
		return chatLine{}, false
	}
	if it.Text != "" {
		return chatLine{Role: "assistant", Content: it.Text, ItemID: it.ID}, true
	}
	return chatLine{Role: "tool", Content: it.Type, ItemID: it.ID}, it.Type != ""
}

// commandText accepts a command as a string or an argv array.
func commandText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var argv []string
	if json.Unmarshal(raw, &argv) == nil {
		return strings.Join(argv, " ")
	}
	return ""
}

func approvalSummary(params json.RawMessage) string {
	var p struct {
		Command json.RawMessage `json:"command"`
		Reason  string          `json:"reason"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if cmd := commandText(p.Command); cmd != "" {
		return cmd
	}
	if p.Reason != "" {
		return p.Reason
	}
	return "(no details)"
}
