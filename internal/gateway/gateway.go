// Package gateway owns the agent session: it spawns the agent subprocess,
// performs the initialize handshake, turns agent notifications into stream
// events for browser clients and arbitrates approval requests.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway/protocol"
	"github.com/highclaw/agentbridge/internal/gateway/rpc"
)

// ErrNotStarted is returned by calls made while no agent session is live.
var ErrNotStarted = errors.New("gateway: agent session not started")

// Repository persists projections and the event log. InsertEvent assigns
// the event's cursor.
type Repository interface {
	UpsertThread(ctx context.Context, t model.Thread) error
	UpsertTurn(ctx context.Context, t model.Turn) error
	UpsertItem(ctx context.Context, it model.Item) error
	InsertEvent(ctx context.Context, ev *model.Event) error
	InsertApproval(ctx context.Context, a model.Approval) error
	ResolveApproval(ctx context.Context, requestID string, status model.ApprovalStatus, decision string) error
}

// Broadcaster delivers an event to the clients watching threadID.
type Broadcaster interface {
	Broadcast(threadID string, event any) int
}

// Config describes the agent to run.
type Config struct {
	Binary            string
	Args              []string
	WorkDir           string
	HomeDir           string
	ClientName        string
	ClientVersion     string
	StopGrace         time.Duration
	InitializeTimeout time.Duration
	MaxLineSize       int

	// Launcher overrides how the agent is started. Defaults to ExecLauncher.
	Launcher Launcher
}

func (c *Config) applyDefaults() {
	if c.ClientName == "" {
		c.ClientName = "agentbridge"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.InitializeTimeout <= 0 {
		c.InitializeTimeout = 30 * time.Second
	}
}

// session is one run of the agent process.
type session struct {
	peer         *rpc.Peer
	proc         Process
	startedAt    time.Time
	capabilities json.RawMessage
	stopping     atomic.Bool
}

// Gateway is safe for concurrent use.
type Gateway struct {
	cfg    Config
	repo   Repository
	hub    Broadcaster
	logger *slog.Logger
	launch Launcher

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu   sync.Mutex
	sess *session

	approvalMu sync.Mutex
	approvals  map[string]*PendingApproval
}

// New builds a gateway. Nothing is started until Start.
func New(cfg Config, repo Repository, hub Broadcaster, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	g := &Gateway{
		cfg:       cfg,
		repo:      repo,
		hub:       hub,
		logger:    logger,
		launch:    cfg.Launcher,
		approvals: make(map[string]*PendingApproval),
	}
	if g.launch == nil {
		g.launch = ExecLauncher(cfg, logger)
	}
	return g
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

// Start launches the agent and completes the initialize handshake. It is a
// no-op while a session is live. On failure the process is torn down and
// Start may be called again.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if s := g.current(); s != nil {
		select {
		case <-s.peer.Done():
			// Closed but not yet reaped by watch; replace it.
			g.mu.Lock()
			if g.sess == s {
				g.sess = nil
			}
			g.mu.Unlock()
		default:
			return nil
		}
	}

	proc, err := g.launch(ctx)
	if err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}

	s := &session{proc: proc, startedAt: time.Now()}
	opts := []rpc.Option{rpc.WithLogger(g.logger)}
	if g.cfg.MaxLineSize > 0 {
		opts = append(opts, rpc.WithMaxLineSize(g.cfg.MaxLineSize))
	}
	s.peer = rpc.NewPeer(proc.Stdout(), proc.Stdin(), &sessionHandler{g: g, s: s}, opts...)
	s.peer.Start()

	initCtx, cancel := context.WithTimeout(ctx, g.cfg.InitializeTimeout)
	defer cancel()

	result, err := s.peer.Call(initCtx, "initialize", initializeParams{
		ClientInfo: clientInfo{Name: g.cfg.ClientName, Version: g.cfg.ClientVersion},
	})
	if err == nil {
		err = s.peer.Notify("initialized", nil)
	}
	if err != nil {
		s.stopping.Store(true)
		_ = s.peer.Close()
		if stopErr := proc.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			g.logger.Warn("stop agent after failed handshake", "error", stopErr)
		}
		g.drain(ctx, s)
		g.expireApprovals(context.WithoutCancel(ctx), s)
		return fmt.Errorf("initialize agent: %w", err)
	}
	s.capabilities = result

	g.mu.Lock()
	g.sess = s
	g.mu.Unlock()

	go g.watch(s)
	g.logger.Info("agent session started", "pid", proc.PID())
	return nil
}

// Stop ends the live session, if any. Pending approvals are expired.
func (g *Gateway) Stop(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.mu.Lock()
	s := g.sess
	g.sess = nil
	g.mu.Unlock()
	if s == nil {
		return nil
	}

	s.stopping.Store(true)
	_ = s.peer.Close()
	err := s.proc.Stop(ctx)
	g.drain(ctx, s)
	g.expireApprovals(context.WithoutCancel(ctx), s)
	g.logger.Info("agent session stopped")
	if err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}
	return nil
}

// drain waits, at most StopGrace, for the session's dispatch loop to hand
// off the messages it had already read. Approval requests still in flight
// after that expire themselves.
func (g *Gateway) drain(ctx context.Context, s *session) {
	timer := time.NewTimer(g.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-s.peer.Done():
	case <-ctx.Done():
		g.logger.Warn("agent session did not drain before stop deadline")
	case <-timer.C:
		g.logger.Warn("agent session did not drain", "grace", g.cfg.StopGrace)
	}
}

// watch handles the agent going away on its own.
func (g *Gateway) watch(s *session) {
	<-s.peer.Done()

	g.mu.Lock()
	if g.sess == s {
		g.sess = nil
	}
	g.mu.Unlock()

	if s.stopping.Load() {
		return
	}

	g.logger.Warn("agent session closed unexpectedly", "error", s.peer.Err())
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StopGrace+5*time.Second)
	defer cancel()
	if err := s.proc.Stop(ctx); err != nil {
		g.logger.Warn("reap agent process", "error", err)
	}
	g.expireApprovals(ctx, s)

	payload, _ := json.Marshal(map[string]string{"message": "agent session closed"})
	g.publish(ctx, protocol.StreamEvent{Type: protocol.StreamError, Payload: payload})
}

func (g *Gateway) current() *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess
}

// Done returns a channel closed when the current session ends, or nil when
// no session is live.
func (g *Gateway) Done() <-chan struct{} {
	if s := g.current(); s != nil {
		return s.peer.Done()
	}
	return nil
}

// Call forwards an arbitrary request to the agent.
func (g *Gateway) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s := g.current()
	if s == nil {
		return nil, ErrNotStarted
	}
	return s.peer.Call(ctx, method, params)
}

// StartThread asks the agent to open a new thread.
func (g *Gateway) StartThread(ctx context.Context, params any) (json.RawMessage, error) {
	return g.Call(ctx, "thread/start", params)
}

// StartTurn submits user input to a thread.
func (g *Gateway) StartTurn(ctx context.Context, params any) (json.RawMessage, error) {
	return g.Call(ctx, "turn/start", params)
}

// InterruptTurn cancels the running turn of a thread.
func (g *Gateway) InterruptTurn(ctx context.Context, params any) (json.RawMessage, error) {
	return g.Call(ctx, "turn/interrupt", params)
}

// Status is a snapshot of the session.
type Status struct {
	Running          bool            `json:"running"`
	PID              int             `json:"pid,omitempty"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	PendingApprovals int             `json:"pendingApprovals"`
	PendingCalls     int             `json:"pendingCalls"`
	Capabilities     json.RawMessage `json:"capabilities,omitempty"`
}

// Status reports whether the agent is running and what is outstanding.
func (g *Gateway) Status() Status {
	st := Status{PendingApprovals: len(g.PendingApprovals())}
	if s := g.current(); s != nil {
		started := s.startedAt
		st.Running = true
		st.PID = s.proc.PID()
		st.StartedAt = &started
		st.PendingCalls = s.peer.Pending()
		st.Capabilities = s.capabilities
	}
	return st
}

// publish persists ev, which assigns its cursor, then fans it out. An event
// that cannot be persisted is not broadcast, so every delivered event
// carries a cursor clients can resume from.
func (g *Gateway) publish(ctx context.Context, ev protocol.StreamEvent) {
	row := model.NewEvent(ev)
	if err := g.repo.InsertEvent(ctx, row); err != nil {
		g.logger.Error("persist event", "type", ev.Type, "threadId", ev.ThreadID, "error", err)
		return
	}
	g.hub.Broadcast(ev.ThreadID, row.Envelope())
}

// sessionHandler receives the agent's own requests and notifications for a
// single session.
type sessionHandler struct {
	g *Gateway
	s *session
}

func (h *sessionHandler) HandleRequest(ctx context.Context, req *protocol.Request) {
	if IsApprovalMethod(req.Method) {
		h.g.registerApproval(ctx, h.s, req)
		return
	}
	h.g.logger.Warn("unsupported agent request", "method", req.Method, "id", req.ID.String())
	rpcErr := protocol.NewError(protocol.ErrMethodNotFound, "method not found: "+req.Method, nil)
	if err := h.s.peer.RespondError(req.ID, rpcErr); err != nil {
		h.g.logger.Warn("reject agent request", "method", req.Method, "error", err)
	}
}

func (h *sessionHandler) HandleNotification(ctx context.Context, n *protocol.Notification) {
	typ, ok := MapNotificationToStreamType(n.Method)
	if !ok {
		h.g.logger.Debug("ignoring agent notification", "method", n.Method)
		return
	}
	params := parseParams(n.Params)
	threadID := params.threadID()
	h.g.project(ctx, typ, threadID, params)
	h.g.publish(ctx, protocol.StreamEvent{
		Type:     typ,
		Method:   n.Method,
		ThreadID: threadID,
		Payload:  n.Params,
	})
}

// project updates the thread, turn and item rows a notification touches.
// Deltas and errors only land in the event log.
func (g *Gateway) project(ctx context.Context, typ protocol.StreamType, threadID string, p notificationParams) {
	if threadID == "" {
		return
	}
	var err error
	switch typ {
	case protocol.StreamThreadStarted:
		err = g.repo.UpsertThread(ctx, model.Thread{ID: threadID, Payload: p.Thread})

	case protocol.StreamTurnStarted, protocol.StreamTurnCompleted:
		ref := parseRef(p.Turn)
		if ref.ID == "" {
			ref.ID = p.TurnID
		}
		if ref.ID == "" {
			return
		}
		turn := model.Turn{ID: ref.ID, ThreadID: threadID, Status: model.TurnInProgress, Payload: p.Turn}
		if typ == protocol.StreamTurnCompleted {
			now := time.Now().UTC()
			turn.Status = model.TurnCompleted
			if ref.Status != "" && ref.Status != model.TurnInProgress {
				turn.Status = ref.Status
			}
			turn.CompletedAt = &now
		}
		err = g.repo.UpsertTurn(ctx, turn)

	case protocol.StreamItemStarted, protocol.StreamItemCompleted:
		ref := parseRef(p.Item)
		if ref.ID == "" {
			return
		}
		status := model.ItemStarted
		if typ == protocol.StreamItemCompleted {
			status = model.ItemCompleted
		}
		err = g.repo.UpsertItem(ctx, model.Item{
			ID:       ref.ID,
			ThreadID: threadID,
			TurnID:   p.TurnID,
			Type:     ref.Type,
			Status:   status,
			Payload:  p.Item,
		})
	}
	if err != nil {
		g.logger.Error("update projection", "type", typ, "threadId", threadID, "error", err)
	}
}
