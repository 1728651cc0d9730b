// Package http exposes the gateway to browser clients: a REST read API over
// the projection store, approval and turn control endpoints, and the
// WebSocket event stream.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway"
	"github.com/highclaw/agentbridge/internal/hub"
	"github.com/highclaw/agentbridge/internal/security"
)

// Gateway is the slice of *gateway.Gateway the HTTP layer drives.
type Gateway interface {
	Status() gateway.Status
	PendingApprovals() []gateway.PendingApproval
	RespondApproval(ctx context.Context, requestID, decision string) error
	StartThread(ctx context.Context, params any) (json.RawMessage, error)
	StartTurn(ctx context.Context, params any) (json.RawMessage, error)
	InterruptTurn(ctx context.Context, params any) (json.RawMessage, error)
}

// Store is the read side of the projection store.
type Store interface {
	ListThreads(ctx context.Context, limit int) ([]model.Thread, error)
	ReadThread(ctx context.Context, id string) (*model.ThreadDetail, error)
	ListEvents(ctx context.Context, threadID string, since int64, limit int) ([]model.Event, error)
	ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.Approval, error)
}

// Subscriber registers sockets for stream events.
type Subscriber interface {
	Subscribe(sock hub.Socket, threadID string) *hub.Subscription
	Len() int
}

// Options configures the server.
type Options struct {
	Addr           string
	Mode           string // gin mode; defaults to release
	AllowedOrigins []string
	Version        string
	LogBuffer      *LogBuffer
	RateLimit      int // control requests per client per minute; 0 disables
}

// Server serves the HTTP and WebSocket API.
type Server struct {
	opts      Options
	router    *gin.Engine
	gw        Gateway
	store     Store
	hub       Subscriber
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	limiter   *security.SlidingWindowLimiter
	startedAt time.Time
}

// NewServer wires routes. Nothing listens until Start.
func NewServer(opts Options, gw Gateway, store Store, sub Subscriber, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	switch opts.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(opts.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	router.Use(corsMiddleware(opts.AllowedOrigins))

	s := &Server{
		opts:      opts,
		router:    router,
		gw:        gw,
		store:     store,
		hub:       sub,
		logger:    logger,
		startedAt: time.Now(),
		limiter:   security.NewSlidingWindowLimiter(opts.RateLimit, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(opts.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/logs", s.handleLogs)

		limit := rateLimitMiddleware(s.limiter)

		api.GET("/threads", s.handleListThreads)
		api.POST("/threads", limit, s.handleStartThread)
		api.GET("/threads/:id", s.handleGetThread)
		api.GET("/threads/:id/events", s.handleListEvents)
		api.POST("/threads/:id/turns", limit, s.handleStartTurn)
		api.POST("/threads/:id/interrupt", limit, s.handleInterrupt)

		api.GET("/approvals", s.handleListApprovals)
		api.POST("/approvals", limit, s.handleRespondApproval)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", "address", s.opts.Addr)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
wait:
	for {
		select {
		case err := <-listenErr:
			return fmt.Errorf("listen on %s: %w\n  -> Is another agentbridge instance running?", s.opts.Addr, err)
		case <-sweep.C:
			s.limiter.Sweep()
		case <-ctx.Done():
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
