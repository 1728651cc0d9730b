package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/highclaw/agentbridge/internal/domain/model"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
)

var (
	errSocketClosed = errors.New("websocket closed")
	errQueueFull    = errors.New("websocket send queue full")
)

// wsSocket adapts a gorilla connection to hub.Socket. Frames are queued and
// written by a single pump. A client that lets the queue fill up is
// disconnected so it reconnects and resumes from its cursor instead of
// silently missing frames.
type wsSocket struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	open   atomic.Bool
	once   sync.Once
	logger *slog.Logger
}

func newWSSocket(conn *websocket.Conn, logger *slog.Logger) *wsSocket {
	id := uuid.NewString()
	s := &wsSocket{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
	s.open.Store(true)
	return s
}

func (s *wsSocket) Send(data []byte) error {
	if !s.open.Load() {
		return errSocketClosed
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSocketClosed
	default:
		s.logger.Warn("websocket send queue full, dropping client")
		s.Close()
		return errQueueFull
	}
}

func (s *wsSocket) Open() bool { return s.open.Load() }

func (s *wsSocket) Close() error {
	s.once.Do(func() {
		s.open.Store(false)
		close(s.done)
	})
	return nil
}

func (s *wsSocket) Done() <-chan struct{} { return s.done }

// readPump drains client frames so control messages are processed and
// closes the socket on the first read error.
func (s *wsSocket) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(64 * 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (s *wsSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleWebSocket upgrades and subscribes the connection. threadId scopes
// the stream (omit for every thread); cursor optionally replays the events
// of that thread the client has not seen yet.
func (s *Server) handleWebSocket(c *gin.Context) {
	threadID := c.Query("threadId")
	if threadID == model.SessionThread {
		threadID = ""
	}
	var cursor int64 = -1
	if v := c.Query("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be a non-negative integer"})
			return
		}
		cursor = n
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sock := newWSSocket(conn, s.logger)
	sub := s.hub.Subscribe(sock, threadID)
	s.logger.Info("websocket client connected", "conn", sock.id, "subscription", sub.ID, "threadId", threadID)

	go sock.writePump()
	go sock.readPump()

	// Subscribed first so nothing falls between replay and live frames;
	// clients dedupe by cursor.
	if cursor >= 0 && threadID != "" {
		s.replay(c, sock, threadID, cursor)
	}
}

func (s *Server) replay(c *gin.Context, sock *wsSocket, threadID string, cursor int64) {
	events, err := s.store.ListEvents(c.Request.Context(), threadID, cursor, sendQueueSize/2)
	if err != nil {
		s.logger.Warn("websocket replay", "threadId", threadID, "error", err)
		return
	}
	for _, ev := range events {
		data, err := json.Marshal(ev.Envelope())
		if err != nil {
			continue
		}
		if err := sock.Send(data); err != nil {
			return
		}
	}
}
