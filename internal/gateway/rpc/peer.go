// Package rpc implements a bidirectional JSON-RPC peer over a line-framed
// duplex stream. The same connection carries our outbound calls and the
// remote side's own requests and notifications.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

// DefaultMaxLineSize bounds a single inbound message.
const DefaultMaxLineSize = 16 << 20

// ErrClosed is returned by calls issued after the transport has closed.
var ErrClosed = errors.New("rpc: connection closed")

// ClosedError rejects a call that was still waiting when the transport closed.
type ClosedError struct {
	Method string
	Cause  error
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("rpc: connection closed before response for %s", e.Method)
}

func (e *ClosedError) Is(target error) bool { return target == ErrClosed }

func (e *ClosedError) Unwrap() error { return e.Cause }

// Handler observes messages the remote side sends on its own initiative.
// Calls are made one at a time from a single dispatch goroutine. A request
// must eventually be answered with Respond or RespondError.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.Request)
	HandleNotification(ctx context.Context, n *protocol.Notification)
}

// HandlerFuncs adapts two functions to a Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnRequest      func(ctx context.Context, req *protocol.Request)
	OnNotification func(ctx context.Context, n *protocol.Notification)
}

func (h HandlerFuncs) HandleRequest(ctx context.Context, req *protocol.Request) {
	if h.OnRequest != nil {
		h.OnRequest(ctx, req)
	}
}

func (h HandlerFuncs) HandleNotification(ctx context.Context, n *protocol.Notification) {
	if h.OnNotification != nil {
		h.OnNotification(ctx, n)
	}
}

type result struct {
	value json.RawMessage
	err   error
}

type pendingCall struct {
	id        protocol.ID
	method    string
	ch        chan result
	createdAt time.Time
}

// Option configures a Peer.
type Option func(*Peer)

// WithLogger sets the logger used for dropped and malformed messages.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Peer) { p.logger = logger }
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(p *Peer) {
		if n > 0 {
			p.maxLine = n
		}
	}
}

// Peer correlates outbound calls with their responses and hands inbound
// requests and notifications to a Handler.
type Peer struct {
	r       io.Reader
	w       io.Writer
	handler Handler
	logger  *slog.Logger
	maxLine int

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	err     error

	inbox *queue

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPeer builds a peer reading from r and writing to w. If r or w
// implements io.Closer it is closed by Close. Start must be called before
// messages are read.
func NewPeer(r io.Reader, w io.Writer, h Handler, opts ...Option) *Peer {
	if h == nil {
		h = HandlerFuncs{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		r:       r,
		w:       w,
		handler: h,
		logger:  slog.Default(),
		maxLine: DefaultMaxLineSize,
		pending: make(map[string]*pendingCall),
		inbox:   newQueue(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "rpc")
	return p
}

// Start launches the read and dispatch loops. Subsequent calls, and calls
// after Close, are no-ops.
func (p *Peer) Start() {
	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		p.wg.Add(2)
		go p.readLoop()
		go p.dispatchLoop()
	})
}

// Call sends a request and waits for its response. A response error is
// returned as *protocol.Error; transport closure as *ClosedError. ctx only
// bounds the wait; the request stays on the wire.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := protocol.IntID(p.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:        id,
		method:    method,
		ch:        make(chan result, 1),
		createdAt: time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrClosed)
	}
	p.pending[id.Key()] = call
	p.mu.Unlock()

	if err := p.write(req); err != nil {
		if p.removePending(id) == nil {
			// Raced with shutdown; the closure rejection is already queued.
			res := <-call.ch
			return nil, res.err
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-call.ch:
		return res.value, res.err
	case <-ctx.Done():
		p.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification.
func (p *Peer) Notify(method string, params any) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.write(n)
}

// Respond answers a peer request with a result.
func (p *Peer) Respond(id protocol.ID, res any) error {
	resp, err := protocol.NewResponse(id, res)
	if err != nil {
		return err
	}
	return p.write(resp)
}

// RespondError answers a peer request with an error.
func (p *Peer) RespondError(id protocol.ID, rpcErr *protocol.Error) error {
	return p.write(protocol.NewErrorMessage(id, rpcErr))
}

// Pending returns the number of calls awaiting a response.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Done is closed once the transport has closed and all pending calls have
// been rejected.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns why the transport closed: nil for a clean EOF or an explicit
// Close, the read error otherwise. Only meaningful after Done.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close shuts the transport down and rejects outstanding calls. It does not
// wait for the loops to exit; use Done for that.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if c, ok := p.r.(io.Closer); ok {
			err = c.Close()
		}
		if c, ok := p.w.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
		// Without a closer the read loop may still be blocked; settle anyway.
		p.shutdown(nil)
	})
	return err
}

func (p *Peer) write(msg protocol.Message) error {
	line, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.w.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (p *Peer) readLoop() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.r)
	scanner.Buffer(make([]byte, 0, 64*1024), p.maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			p.logger.Debug("dropping malformed message", "error", err, "bytes", len(line))
			continue
		}
		p.route(msg)
	}
	p.shutdown(scanner.Err())
}

func (p *Peer) route(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Response:
		p.settle(m.ID, result{value: m.Result})
	case *protocol.ErrorMessage:
		if m.ID == nil {
			p.logger.Warn("peer reported error without id", "code", m.Error.Code, "message", m.Error.Message)
			return
		}
		p.settle(*m.ID, result{err: m.Error})
	case *protocol.Request, *protocol.Notification:
		p.inbox.push(m)
	}
}

func (p *Peer) settle(id protocol.ID, res result) {
	call := p.removePending(id)
	if call == nil {
		p.logger.Debug("dropping response for unknown id", "id", id.String())
		return
	}
	call.ch <- res
}

func (p *Peer) removePending(id protocol.ID) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.pending[id.Key()]
	if !ok {
		return nil
	}
	delete(p.pending, id.Key())
	return call
}

func (p *Peer) dispatchLoop() {
	defer p.wg.Done()
	for {
		msg, ok := p.inbox.pop()
		if !ok {
			return
		}
		switch m := msg.(type) {
		case *protocol.Request:
			p.handler.HandleRequest(p.ctx, m)
		case *protocol.Notification:
			p.handler.HandleNotification(p.ctx, m)
		}
	}
}

// shutdown marks the peer closed and rejects every pending call. Messages
// already queued for the handler are still delivered.
func (p *Peer) shutdown(readErr error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		p.err = readErr
	}
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range pending {
		call.ch <- result{err: &ClosedError{Method: call.method, Cause: readErr}}
	}
	if len(pending) > 0 {
		p.logger.Warn("transport closed with calls outstanding", "pending", len(pending))
	}

	p.inbox.close()
	go func() {
		p.wg.Wait()
		p.cancel()
		close(p.done)
	}()
}
