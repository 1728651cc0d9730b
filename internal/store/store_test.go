package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertEventAssignsPerThreadCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert := func(threadID string) *model.Event {
		ev := model.NewEvent(protocol.StreamEvent{Type: protocol.StreamItemDelta, ThreadID: threadID})
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert event: %v", err)
		}
		return ev
	}

	a1 := insert("thr_A")
	a2 := insert("thr_A")
	b1 := insert("thr_B")
	s1 := insert("")

	if a1.Cursor != 1 || a2.Cursor != 2 || b1.Cursor != 1 || s1.Cursor != 1 {
		t.Fatalf("cursors = %d %d %d %d; want 1 2 1 1", a1.Cursor, a2.Cursor, b1.Cursor, s1.Cursor)
	}
	if a1.ID == "" || a1.ID == a2.ID {
		t.Fatalf("event ids must be unique: %q %q", a1.ID, a2.ID)
	}
	if a1.CreatedAt.IsZero() {
		t.Fatal("createdAt not set")
	}
	if string(a1.Payload) != "null" {
		t.Fatalf("empty payload stored as %s", a1.Payload)
	}
}

func TestListEventsSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		ev := model.NewEvent(protocol.StreamEvent{Type: protocol.StreamItemDelta, ThreadID: "thr_1", Payload: payload})
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, "thr_1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d; want 3", len(events))
	}
	for i, ev := range events {
		if ev.Cursor != int64(i+3) {
			t.Fatalf("events[%d].Cursor = %d", i, ev.Cursor)
		}
	}
	if string(events[0].Payload) != `{"n":2}` {
		t.Fatalf("payload = %s", events[0].Payload)
	}

	limited, _ := s.ListEvents(ctx, "thr_1", 0, 2)
	if len(limited) != 2 || limited[1].Cursor != 2 {
		t.Fatalf("limited = %+v", limited)
	}

	other, _ := s.ListEvents(ctx, "thr_2", 0, 0)
	if len(other) != 0 {
		t.Fatalf("unrelated thread returned %d events", len(other))
	}
}

func TestCursorSurvivesPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := model.NewEvent(protocol.StreamEvent{Type: protocol.StreamTurnStarted, ThreadID: "thr_1"})
	_ = s.InsertEvent(ctx, ev)

	if _, err := s.db.Exec(`UPDATE events SET created_at='2000-01-01T00:00:00.000000000Z'`); err != nil {
		t.Fatalf("age event: %v", err)
	}
	n, err := s.PruneEvents(ctx, 30)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}

	next := model.NewEvent(protocol.StreamEvent{Type: protocol.StreamTurnCompleted, ThreadID: "thr_1"})
	_ = s.InsertEvent(ctx, next)
	if next.Cursor != 2 {
		t.Fatalf("cursor after prune = %d; want 2", next.Cursor)
	}
}

func TestThreadProjection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertThread(ctx, model.Thread{ID: "thr_1", Payload: json.RawMessage(`{"id":"thr_1"}`)}); err != nil {
		t.Fatalf("upsert thread: %v", err)
	}
	if err := s.UpsertTurn(ctx, model.Turn{ID: "turn_1", ThreadID: "thr_1", Status: model.TurnInProgress}); err != nil {
		t.Fatalf("upsert turn: %v", err)
	}
	if err := s.UpsertTurn(ctx, model.Turn{ID: "turn_1", ThreadID: "thr_1", Status: model.TurnCompleted}); err != nil {
		t.Fatalf("complete turn: %v", err)
	}
	if err := s.UpsertItem(ctx, model.Item{ID: "item_1", ThreadID: "thr_1", TurnID: "turn_1", Type: "agentMessage", Status: model.ItemCompleted}); err != nil {
		t.Fatalf("upsert item: %v", err)
	}

	d, err := s.ReadThread(ctx, "thr_1")
	if err != nil {
		t.Fatalf("read thread: %v", err)
	}
	if string(d.Payload) != `{"id":"thr_1"}` {
		t.Fatalf("payload = %s", d.Payload)
	}
	if len(d.Turns) != 1 || d.Turns[0].Status != model.TurnCompleted {
		t.Fatalf("turns = %+v", d.Turns)
	}
	if len(d.Items) != 1 || d.Items[0].Type != "agentMessage" {
		t.Fatalf("items = %+v", d.Items)
	}

	if _, err := s.ReadThread(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing thread err = %v", err)
	}
}

func TestItemCreatesThreadRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.UpsertItem(ctx, model.Item{ID: "item_1", ThreadID: "thr_9", Status: model.ItemStarted})

	threads, err := s.ListThreads(ctx, 0)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != "thr_9" {
		t.Fatalf("threads = %+v", threads)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := model.Approval{RequestID: "approval_1", ThreadID: "thr_1", Method: "item/commandExecution/requestApproval"}
	if err := s.InsertApproval(ctx, a); err != nil {
		t.Fatalf("insert approval: %v", err)
	}
	pending, _ := s.ListApprovals(ctx, model.ApprovalPending)
	if len(pending) != 1 || pending[0].Status != model.ApprovalPending {
		t.Fatalf("pending = %+v", pending)
	}

	if err := s.ResolveApproval(ctx, "approval_1", model.ApprovalResolved, "accept"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveApproval(ctx, "approval_1", model.ApprovalResolved, "decline"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second resolve err = %v; want ErrNotFound", err)
	}

	all, _ := s.ListApprovals(ctx, "")
	if len(all) != 1 || all[0].Decision != "accept" || all[0].ResolvedAt == nil {
		t.Fatalf("approvals = %+v", all)
	}
	pending, _ = s.ListApprovals(ctx, model.ApprovalPending)
	if len(pending) != 0 {
		t.Fatalf("still pending: %+v", pending)
	}

	// A later session may reuse the id.
	if err := s.InsertApproval(ctx, a); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	pending, _ = s.ListApprovals(ctx, model.ApprovalPending)
	if len(pending) != 1 || pending[0].Decision != "" {
		t.Fatalf("reused id = %+v", pending)
	}
}
