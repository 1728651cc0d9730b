package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type serverConn struct {
	conn   *websocket.Conn
	closed chan struct{}
}

// fakeGateway serves the two endpoints a Transport uses.
type fakeGateway struct {
	upgrader websocket.Upgrader
	wsUp     atomic.Bool
	dials    atomic.Int32
	conns    chan *serverConn

	mu     sync.Mutex
	events []Event
}

func newFakeGateway(t *testing.T, wsUp bool, events ...Event) (*fakeGateway, *httptest.Server) {
	t.Helper()
	g := &fakeGateway{conns: make(chan *serverConn, 8), events: events}
	g.wsUp.Store(wsUp)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	mux.HandleFunc("/api/threads/{id}/events", g.serveEvents)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return g, ts
}

func (g *fakeGateway) add(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
}

func (g *fakeGateway) serveWS(w http.ResponseWriter, r *http.Request) {
	if !g.wsUp.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.dials.Add(1)
	sc := &serverConn{conn: conn, closed: make(chan struct{})}
	go func() {
		defer close(sc.closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	g.conns <- sc
}

func (g *fakeGateway) serveEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	g.mu.Lock()
	page := eventsPage{Events: []Event{}, NextCursor: since}
	for _, ev := range g.events {
		if ev.Cursor > since {
			page.Events = append(page.Events, ev)
			page.NextCursor = max(page.NextCursor, ev.Cursor)
		}
	}
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func (g *fakeGateway) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-g.conns:
		t.Cleanup(func() { _ = sc.conn.Close() })
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not connect")
		return nil
	}
}

type recorder struct {
	mu        sync.Mutex
	states    []State
	delivered []int64
}

func (r *recorder) onState(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) onEvents(evs []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range evs {
		r.delivered = append(r.delivered, ev.Cursor)
	}
}

func (r *recorder) snapshot() ([]State, []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states), slices.Clone(r.delivered)
}

func newTransport(t *testing.T, baseURL string, cursor int64, rec *recorder) *Transport {
	t.Helper()
	tr := New(Options{
		BaseURL:       baseURL,
		ThreadID:      "thr_1",
		Cursor:        cursor,
		PollInterval:  10 * time.Millisecond,
		MinBackoff:    30 * time.Millisecond,
		MaxBackoff:    60 * time.Millisecond,
		OnEvents:      rec.onEvents,
		OnStateChange: rec.onState,
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cursors(evs []Event) []int64 {
	out := make([]int64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Cursor
	}
	return out
}

func TestPollingFallbackWhenSocketUnavailable(t *testing.T) {
	g, ts := newFakeGateway(t, false, event(1, `1`), event(2, `2`))
	rec := &recorder{}
	tr := newTransport(t, ts.URL, 0, rec)

	waitFor(t, "history", func() bool { return tr.NextCursor() == 2 })
	g.add(event(3, `3`))
	waitFor(t, "polled event", func() bool { return tr.NextCursor() == 3 })
	waitFor(t, "a reconnect attempt", func() bool { return tr.Reconnects() > 0 })

	states, delivered := rec.snapshot()
	if !slices.Equal(delivered, []int64{1, 2, 3}) {
		t.Fatalf("delivered = %v", delivered)
	}
	i := slices.Index(states, StateError)
	if i < 0 || i+1 >= len(states) || states[i+1] != StatePolling {
		t.Fatalf("states = %v; want error followed by polling", states)
	}
	if slices.Contains(states, StateOpen) {
		t.Fatalf("states = %v; socket never opened", states)
	}
}

func TestLiveSocketDedupesAgainstHistory(t *testing.T) {
	g, ts := newFakeGateway(t, true, event(1, `"a"`), event(2, `"b"`))
	rec := &recorder{}
	tr := newTransport(t, ts.URL, 0, rec)

	sc := g.accept(t)
	waitFor(t, "catch-up", func() bool { return tr.NextCursor() == 2 })

	other := "thr_other"
	frames := []Event{
		event(2, `"b2"`),
		{Type: "turn.started", Cursor: 9, ThreadID: &other, Payload: json.RawMessage(`{}`)},
		event(3, `"c"`),
	}
	for _, ev := range frames {
		if err := sc.conn.WriteJSON(ev); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	waitFor(t, "live event", func() bool { return tr.NextCursor() == 3 })

	evs := tr.Events()
	if !slices.Equal(cursors(evs), []int64{1, 2, 3}) {
		t.Fatalf("events = %v", cursors(evs))
	}
	if string(evs[1].Payload) != `"b2"` {
		t.Fatalf("replayed cursor should refresh payload, got %s", evs[1].Payload)
	}
	_, delivered := rec.snapshot()
	if !slices.Equal(delivered, []int64{1, 2, 3}) {
		t.Fatalf("delivered = %v; each cursor once", delivered)
	}
	if tr.State() != StateOpen {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	g, ts := newFakeGateway(t, true)
	rec := &recorder{}
	tr := newTransport(t, ts.URL, 0, rec)

	first := g.accept(t)
	_ = first.conn.Close()

	second := g.accept(t)
	if err := second.conn.WriteJSON(event(1, `1`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "event after reconnect", func() bool { return tr.NextCursor() == 1 })

	if tr.Reconnects() != 1 {
		t.Fatalf("reconnects = %d; want 1", tr.Reconnects())
	}
	states, _ := rec.snapshot()
	if !slices.Contains(states, StatePolling) {
		t.Fatalf("states = %v; want a polling phase", states)
	}
	if g.dials.Load() != 2 {
		t.Fatalf("dials = %d", g.dials.Load())
	}
}

func TestStopClosesSocket(t *testing.T) {
	g, ts := newFakeGateway(t, true)
	rec := &recorder{}
	tr := newTransport(t, ts.URL, 0, rec)
	sc := g.accept(t)
	waitFor(t, "open", func() bool { return tr.State() == StateOpen })

	tr.Stop()
	select {
	case <-sc.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("socket still open after Stop")
	}
	if tr.State() != StateClosed {
		t.Fatalf("state = %s", tr.State())
	}

	tr.Stop()
	if err := tr.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("start after stop = %v", err)
	}
}

func TestStopWhilePolling(t *testing.T) {
	_, ts := newFakeGateway(t, false)
	rec := &recorder{}
	tr := New(Options{
		BaseURL:       ts.URL,
		ThreadID:      "thr_1",
		PollInterval:  time.Hour,
		MinBackoff:    time.Hour,
		OnStateChange: rec.onState,
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "polling", func() bool { return tr.State() == StatePolling })

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the poll timer")
	}
}

func TestStartingCursorSkipsSeenEvents(t *testing.T) {
	_, ts := newFakeGateway(t, false, event(1, `1`), event(2, `2`))
	rec := &recorder{}
	tr := newTransport(t, ts.URL, 1, rec)

	waitFor(t, "event 2", func() bool { return tr.NextCursor() == 2 })
	if got := cursors(tr.Events()); !slices.Equal(got, []int64{2}) {
		t.Fatalf("events = %v", got)
	}
}

func TestStartValidation(t *testing.T) {
	if err := New(Options{BaseURL: "http://127.0.0.1:1"}).Start(context.Background()); !errors.Is(err, ErrNoThread) {
		t.Fatalf("missing thread: %v", err)
	}
	if err := New(Options{ThreadID: "thr_1"}).Start(context.Background()); !errors.Is(err, ErrNoBaseURL) {
		t.Fatalf("missing base url: %v", err)
	}
}

func TestHistoryTrimmedWithoutRedelivery(t *testing.T) {
	var delivered []int64
	tr := New(Options{
		BaseURL:   "http://127.0.0.1:1",
		ThreadID:  "thr_1",
		MaxEvents: 4,
		OnEvents: func(evs []Event) {
			delivered = append(delivered, cursors(evs)...)
		},
	})
	for c := int64(1); c <= 6; c++ {
		tr.ingest([]Event{event(c, `{}`)})
	}
	if got := cursors(tr.Events()); !slices.Equal(got, []int64{3, 4, 5, 6}) {
		t.Fatalf("kept = %v", got)
	}

	// A catch-up page replaying trimmed and kept cursors only yields 7.
	var page []Event
	for c := int64(1); c <= 7; c++ {
		page = append(page, event(c, `{}`))
	}
	if n := tr.ingest(page); n != 1 {
		t.Fatalf("fresh = %d; want 1", n)
	}
	if !slices.Equal(delivered, []int64{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("delivered = %v", delivered)
	}
	if tr.NextCursor() != 7 {
		t.Fatalf("next = %d", tr.NextCursor())
	}
}
