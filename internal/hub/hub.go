// Package hub fans stream events out to live browser sockets, scoped by
// thread. A subscription without a thread receives everything.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Socket is the minimal view of a client connection the hub needs.
// Done must be closed once the socket is closed or has failed.
type Socket interface {
	Send(data []byte) error
	Open() bool
	Close() error
	Done() <-chan struct{}
}

// Subscription binds a socket to a thread scope.
type Subscription struct {
	ID       uint64
	ThreadID string

	sock Socket
}

// Matches reports whether an event scoped to threadID should reach s.
func (s *Subscription) Matches(threadID string) bool {
	if s.ThreadID == "" {
		return true
	}
	return threadID != "" && s.ThreadID == threadID
}

// Hub is the registry of live subscriptions.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers sock for events of threadID ("" for all threads).
// The subscription is dropped automatically once the socket is done.
func (h *Hub) Subscribe(sock Socket, threadID string) *Subscription {
	sub := &Subscription{
		ID:       h.nextID.Add(1),
		ThreadID: threadID,
		sock:     sock,
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	go func() {
		<-sock.Done()
		h.Unsubscribe(sub.ID)
	}()

	h.logger.Debug("subscribed", "id", sub.ID, "threadId", threadID)
	return sub
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("unsubscribed", "id", id)
	}
}

// Len returns the number of registered subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast delivers event to every matching open socket and returns how
// many sends succeeded. An event with no thread reaches firehose
// subscriptions only.
func (h *Hub) Broadcast(threadID string, event any) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return 0
	}

	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.Matches(threadID) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if !sub.sock.Open() {
			continue
		}
		if err := sub.sock.Send(data); err != nil {
			h.logger.Debug("send failed", "id", sub.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every open socket and empties the registry.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.sock.Open() {
			_ = sub.sock.Close()
		}
	}
	h.logger.Info("closed all subscriptions", "count", len(subs))
}
