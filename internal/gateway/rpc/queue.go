package rpc

import (
	"sync"

	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

// queue is an unbounded FIFO between the read loop and the dispatch loop.
// The reader must never block on a slow handler, otherwise a handler that
// awaits a Call would never see its response.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []protocol.Message
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(msg protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
}

// pop blocks until an item is available. After close it drains what is left
// and then reports false.
func (q *queue) pop() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
