package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway"
	"github.com/highclaw/agentbridge/internal/gateway/protocol"
	"github.com/highclaw/agentbridge/internal/hub"
	"github.com/highclaw/agentbridge/internal/store"
)

type fakeGateway struct {
	mu         sync.Mutex
	calls      []string
	params     []any
	result     json.RawMessage
	err        error
	respondErr error
	responded  []string
	pending    []gateway.PendingApproval
}

func (f *fakeGateway) Status() gateway.Status { return gateway.Status{Running: true, PID: 42} }

func (f *fakeGateway) PendingApprovals() []gateway.PendingApproval { return f.pending }

func (f *fakeGateway) RespondApproval(_ context.Context, requestID, decision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, requestID+"="+decision)
	return f.respondErr
}

func (f *fakeGateway) record(method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	return f.result, f.err
}

func (f *fakeGateway) StartThread(_ context.Context, params any) (json.RawMessage, error) {
	return f.record("thread/start", params)
}

func (f *fakeGateway) StartTurn(_ context.Context, params any) (json.RawMessage, error) {
	return f.record("turn/start", params)
}

func (f *fakeGateway) InterruptTurn(_ context.Context, params any) (json.RawMessage, error) {
	return f.record("turn/interrupt", params)
}

type fixture struct {
	srv   *Server
	gw    *fakeGateway
	store *store.Store
	hub   *hub.Hub
	logs  *LogBuffer
}

func newFixture(t *testing.T, origins ...string) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(logger)
	t.Cleanup(h.CloseAll)

	f := &fixture{gw: &fakeGateway{}, store: st, hub: h, logs: NewLogBuffer(16)}
	f.srv = NewServer(Options{Mode: gin.TestMode, AllowedOrigins: origins, Version: "test", LogBuffer: f.logs}, f.gw, st, h, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) insert(t *testing.T, threadID string, typ protocol.StreamType) *model.Event {
	t.Helper()
	ev := model.NewEvent(protocol.StreamEvent{Type: typ, ThreadID: threadID, Payload: json.RawMessage(`{}`)})
	if err := f.store.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return ev
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "ok" || body["running"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestListEventsSince(t *testing.T) {
	f := newFixture(t)
	for _, typ := range []protocol.StreamType{protocol.StreamTurnStarted, protocol.StreamItemDelta, protocol.StreamTurnCompleted} {
		f.insert(t, "thr_1", typ)
	}
	f.insert(t, "thr_2", protocol.StreamTurnStarted)

	w := f.do(t, http.MethodGet, "/api/threads/thr_1/events?since=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var body struct {
		Events     []protocol.EventEnvelope `json:"events"`
		NextCursor int64                    `json:"nextCursor"`
	}
	decode(t, w, &body)
	if len(body.Events) != 2 || body.Events[0].Cursor != 2 || body.Events[1].Cursor != 3 {
		t.Fatalf("events = %+v", body.Events)
	}
	if body.NextCursor != 3 {
		t.Fatalf("nextCursor = %d; want 3", body.NextCursor)
	}
	if body.Events[0].ThreadID == nil || *body.Events[0].ThreadID != "thr_1" {
		t.Fatalf("threadId = %v", body.Events[0].ThreadID)
	}

	// Nothing new keeps the cursor where the client already is.
	w = f.do(t, http.MethodGet, "/api/threads/thr_1/events?since=3", "")
	decode(t, w, &body)
	if len(body.Events) != 0 || body.NextCursor != 3 {
		t.Fatalf("empty page = %+v", body)
	}

	if w := f.do(t, http.MethodGet, "/api/threads/thr_1/events?since=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative since status = %d", w.Code)
	}
}

func TestSessionEventsUseReservedThread(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "", protocol.StreamError)

	w := f.do(t, http.MethodGet, "/api/threads/"+model.SessionThread+"/events", "")
	var body struct {
		Events []protocol.EventEnvelope `json:"events"`
	}
	decode(t, w, &body)
	if len(body.Events) != 1 || body.Events[0].ThreadID != nil {
		t.Fatalf("events = %+v", body.Events)
	}
}

func TestGetThread(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/api/threads/thr_1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing thread status = %d", w.Code)
	}

	ctx := context.Background()
	if err := f.store.UpsertThread(ctx, model.Thread{ID: "thr_1", Payload: json.RawMessage(`{"id":"thr_1"}`)}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertTurn(ctx, model.Turn{ID: "turn_1", ThreadID: "thr_1", Status: model.TurnInProgress}); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/threads/thr_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var detail model.ThreadDetail
	decode(t, w, &detail)
	if detail.ID != "thr_1" || len(detail.Turns) != 1 || detail.Turns[0].ID != "turn_1" {
		t.Fatalf("detail = %+v", detail)
	}

	w = f.do(t, http.MethodGet, "/api/threads", "")
	var list struct {
		Threads []model.Thread `json:"threads"`
	}
	decode(t, w, &list)
	if len(list.Threads) != 1 {
		t.Fatalf("threads = %+v", list.Threads)
	}
}

func TestStartTurnMergesThreadID(t *testing.T) {
	f := newFixture(t)
	f.gw.result = json.RawMessage(`{"turn":{"id":"turn_1"}}`)

	w := f.do(t, http.MethodPost, "/api/threads/thr_1/turns", `{"input":[{"type":"text","text":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if w.Body.String() != `{"turn":{"id":"turn_1"}}` {
		t.Fatalf("body = %s", w.Body)
	}
	params := f.gw.params[0].(map[string]any)
	if params["threadId"] != "thr_1" || params["input"] == nil {
		t.Fatalf("params = %v", params)
	}

	if w := f.do(t, http.MethodPost, "/api/threads/thr_1/interrupt", ""); w.Code != http.StatusOK {
		t.Fatalf("interrupt status = %d", w.Code)
	}
	if f.gw.calls[1] != "turn/interrupt" {
		t.Fatalf("calls = %v", f.gw.calls)
	}

	if w := f.do(t, http.MethodPost, "/api/threads/thr_1/turns", `[1,2]`); w.Code != http.StatusBadRequest {
		t.Fatalf("array body status = %d", w.Code)
	}
}

func TestForwardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not_started", gateway.ErrNotStarted, http.StatusServiceUnavailable},
		{"rpc_error", fmt.Errorf("call: %w", protocol.NewError(-32602, "bad params", nil)), http.StatusBadGateway},
		{"closed", errors.New("rpc: connection closed"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.err = tc.err
			if w := f.do(t, http.MethodPost, "/api/threads", `{}`); w.Code != tc.want {
				t.Fatalf("status = %d; want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRespondApprovalStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"ok", `{"requestId":"99","decision":"accept"}`, nil, http.StatusOK},
		{"unknown", `{"requestId":"99","decision":"accept"}`, &gateway.NoPendingApprovalError{RequestID: "99"}, http.StatusNotFound},
		{"bad_decision", `{"requestId":"99","decision":"maybe"}`, gateway.ErrInvalidDecision, http.StatusBadRequest},
		{"missing_fields", `{"decision":"accept"}`, nil, http.StatusBadRequest},
		{"send_failed", `{"requestId":"99","decision":"decline"}`, errors.New("write: broken pipe"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.respondErr = tc.err
			w := f.do(t, http.MethodPost, "/api/approvals", tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d; want %d (%s)", w.Code, tc.want, w.Body)
			}
		})
	}
}

func TestListApprovals(t *testing.T) {
	f := newFixture(t)
	f.gw.pending = []gateway.PendingApproval{{RequestID: "99", Method: "item/commandExecution/requestApproval"}}

	w := f.do(t, http.MethodGet, "/api/approvals", "")
	var live struct {
		Approvals []gateway.PendingApproval `json:"approvals"`
	}
	decode(t, w, &live)
	if len(live.Approvals) != 1 || live.Approvals[0].RequestID != "99" {
		t.Fatalf("live = %+v", live.Approvals)
	}

	ctx := context.Background()
	if err := f.store.InsertApproval(ctx, model.Approval{RequestID: "7", Method: "applyPatchApproval"}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ResolveApproval(ctx, "7", model.ApprovalResolved, "accept"); err != nil {
		t.Fatal(err)
	}
	w = f.do(t, http.MethodGet, "/api/approvals?status=resolved", "")
	var history struct {
		Approvals []model.Approval `json:"approvals"`
	}
	decode(t, w, &history)
	if len(history.Approvals) != 1 || history.Approvals[0].Decision != "accept" {
		t.Fatalf("history = %+v", history.Approvals)
	}
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(NewLogBufferHandler(slog.NewTextHandler(io.Discard, nil), f.logs))
	logger.With("component", "gateway").Info("agent started", "pid", 42)
	logger.With("component", "hub").Info("subscribed")

	w := f.do(t, http.MethodGet, "/api/logs?component=gateway", "")
	var body struct {
		Entries []LogEntry `json:"entries"`
	}
	decode(t, w, &body)
	if len(body.Entries) != 1 || body.Entries[0].Message != "agent started" {
		t.Fatalf("entries = %+v", body.Entries)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, "http://localhost:5173")
	req := httptest.NewRequest(http.MethodOptions, "/api/approvals", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.EventEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.EventEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

func waitSubscribers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d; want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketScopedStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "?threadId=thr_1", nil)
	waitSubscribers(t, f.hub, 1)

	other := f.insert(t, "thr_2", protocol.StreamTurnStarted)
	f.hub.Broadcast("thr_2", other.Envelope())
	mine := f.insert(t, "thr_1", protocol.StreamTurnStarted)
	f.hub.Broadcast("thr_1", mine.Envelope())

	env := readEnvelope(t, conn)
	if env.ThreadID == nil || *env.ThreadID != "thr_1" || env.Type != protocol.StreamTurnStarted {
		t.Fatalf("frame = %+v", env)
	}
}

func TestWebSocketReplaysFromCursor(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.insert(t, "thr_1", protocol.StreamItemDelta)
	}
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "?threadId=thr_1&cursor=1", nil)
	if got := readEnvelope(t, conn).Cursor; got != 2 {
		t.Fatalf("first replayed cursor = %d; want 2", got)
	}
	if got := readEnvelope(t, conn).Cursor; got != 3 {
		t.Fatalf("second replayed cursor = %d; want 3", got)
	}
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "", nil)
	waitSubscribers(t, f.hub, 1)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	waitSubscribers(t, f.hub, 0)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, "http://localhost:5173")
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("dial with foreign origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v", resp)
	}
}

func TestWebSocketBadCursor(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/ws?threadId=thr_1&cursor=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSlowWebSocketClientIsDropped(t *testing.T) {
	sock := newWSSocket(nil, slog.New(slog.DiscardHandler))
	for i := 0; i < sendQueueSize; i++ {
		if err := sock.Send([]byte(`{}`)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := sock.Send([]byte(`{}`)); !errors.Is(err, errQueueFull) {
		t.Fatalf("overflow err = %v", err)
	}
	select {
	case <-sock.Done():
	case <-time.After(time.Second):
		t.Fatal("socket left open after overflow")
	}
	if sock.Open() {
		t.Fatal("Open() = true after overflow")
	}
	if err := sock.Send([]byte(`{}`)); !errors.Is(err, errSocketClosed) {
		t.Fatalf("send after drop = %v", err)
	}
}

func TestControlEndpointsRateLimited(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.srv = NewServer(Options{Mode: gin.TestMode, RateLimit: 2, LogBuffer: f.logs}, f.gw, f.store, f.hub, logger)

	for i := 0; i < 2; i++ {
		if w := f.do(t, http.MethodPost, "/api/threads", `{}`); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := f.do(t, http.MethodPost, "/api/threads/thr_1/turns", `{}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d; want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if w := f.do(t, http.MethodGet, "/api/threads", ""); w.Code != http.StatusOK {
		t.Fatalf("reads must not be limited: %d", w.Code)
	}
}
