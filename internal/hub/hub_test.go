package hub

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSocket struct {
	mu      sync.Mutex
	open    bool
	frames  [][]byte
	sendErr error
	done    chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{open: true, done: make(chan struct{})}
}

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSocket) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSocket) Done() <-chan struct{} { return f.done }

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func waitLen(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Len = %d; want %d", h.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastScoping(t *testing.T) {
	h := New(nil)
	a, b, c := newFakeSocket(), newFakeSocket(), newFakeSocket()
	h.Subscribe(a, "thr_A")
	h.Subscribe(b, "thr_B")
	h.Subscribe(c, "")

	if n := h.Broadcast("thr_A", map[string]string{"type": "turn.started"}); n != 2 {
		t.Fatalf("delivered = %d; want 2", n)
	}
	if a.count() != 1 || b.count() != 0 || c.count() != 1 {
		t.Fatalf("after thr_A broadcast: a=%d b=%d c=%d", a.count(), b.count(), c.count())
	}

	if n := h.Broadcast("", map[string]string{"type": "error"}); n != 1 {
		t.Fatalf("delivered = %d; want 1", n)
	}
	if a.count() != 1 || b.count() != 0 || c.count() != 2 {
		t.Fatalf("after unscoped broadcast: a=%d b=%d c=%d", a.count(), b.count(), c.count())
	}
}

func TestBroadcastSerializesOnce(t *testing.T) {
	h := New(nil)
	a, c := newFakeSocket(), newFakeSocket()
	h.Subscribe(a, "thr_A")
	h.Subscribe(c, "")

	h.Broadcast("thr_A", struct {
		Cursor int `json:"cursor"`
	}{7})
	if string(a.frames[0]) != `{"cursor":7}` {
		t.Fatalf("frame = %s", a.frames[0])
	}
	if &a.frames[0][0] != &c.frames[0][0] {
		t.Fatalf("expected one shared encoding for all recipients")
	}
}

func TestClosedSocketIsSkippedAndRemoved(t *testing.T) {
	h := New(nil)
	a, c := newFakeSocket(), newFakeSocket()
	h.Subscribe(a, "thr_A")
	h.Subscribe(c, "")

	_ = a.Close()
	if n := h.Broadcast("thr_A", "x"); n != 1 {
		t.Fatalf("delivered = %d; want 1", n)
	}
	if a.count() != 0 {
		t.Fatalf("closed socket received %d frames", a.count())
	}
	waitLen(t, h, 1)
}

func TestSendErrorDoesNotStopFanOut(t *testing.T) {
	h := New(nil)
	bad, good := newFakeSocket(), newFakeSocket()
	bad.sendErr = errors.New("queue full")
	h.Subscribe(bad, "")
	h.Subscribe(good, "")

	if n := h.Broadcast("thr_A", "x"); n != 1 {
		t.Fatalf("delivered = %d; want 1", n)
	}
	if good.count() != 1 {
		t.Fatalf("good socket frames = %d", good.count())
	}
}

func TestCloseAll(t *testing.T) {
	h := New(nil)
	socks := []*fakeSocket{newFakeSocket(), newFakeSocket(), newFakeSocket()}
	for i, s := range socks {
		h.Subscribe(s, []string{"thr_A", "thr_B", ""}[i])
	}

	h.CloseAll()
	for i, s := range socks {
		if s.Open() {
			t.Fatalf("socket %d still open", i)
		}
	}
	if h.Len() != 0 {
		t.Fatalf("Len = %d after CloseAll", h.Len())
	}
	if n := h.Broadcast("", "x"); n != 0 {
		t.Fatalf("delivered = %d after CloseAll", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := New(nil)
	s := newFakeSocket()
	sub := h.Subscribe(s, "thr_A")
	h.Unsubscribe(sub.ID)
	h.Unsubscribe(sub.ID)
	if h.Len() != 0 {
		t.Fatalf("Len = %d", h.Len())
	}
	if n := h.Broadcast("thr_A", "x"); n != 0 {
		t.Fatalf("delivered = %d", n)
	}
}
