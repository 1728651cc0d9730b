package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway"
	"github.com/highclaw/agentbridge/internal/gateway/protocol"
	"github.com/highclaw/agentbridge/internal/infra"
	"github.com/highclaw/agentbridge/internal/store"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": s.gw.Status().Running,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     s.opts.Version,
		"gateway":     s.gw.Status(),
		"subscribers": s.hub.Len(),
		"startedAt":   s.startedAt.UTC(),
		"runtime":     infra.GetRuntimeInfo(),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	if s.opts.LogBuffer == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []LogEntry{}})
		return
	}
	limit := queryInt(c, "limit", 200)
	c.JSON(http.StatusOK, gin.H{"entries": s.opts.LogBuffer.Tail(limit, c.Query("component"))})
}

func (s *Server) handleListThreads(c *gin.Context) {
	threads, err := s.store.ListThreads(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		s.internalError(c, "list threads", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (s *Server) handleGetThread(c *gin.Context) {
	detail, err := s.store.ReadThread(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	if err != nil {
		s.internalError(c, "read thread", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handleListEvents serves the polling fallback: events after ?since= in
// cursor order and the cursor to resume from.
func (s *Server) handleListEvents(c *gin.Context) {
	threadID := c.Param("id")
	if threadID == model.SessionThread {
		threadID = ""
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
		return
	}

	events, err := s.store.ListEvents(c.Request.Context(), threadID, since, queryInt(c, "limit", 0))
	if err != nil {
		s.internalError(c, "list events", err)
		return
	}
	envelopes := make([]protocol.EventEnvelope, len(events))
	next := since
	for i, ev := range events {
		envelopes[i] = ev.Envelope()
		if ev.Cursor > next {
			next = ev.Cursor
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": envelopes, "nextCursor": next})
}

func (s *Server) handleStartThread(c *gin.Context) {
	params, ok := s.bindParams(c, "")
	if !ok {
		return
	}
	s.forward(c, "thread/start", func() (json.RawMessage, error) {
		return s.gw.StartThread(c.Request.Context(), params)
	})
}

func (s *Server) handleStartTurn(c *gin.Context) {
	params, ok := s.bindParams(c, c.Param("id"))
	if !ok {
		return
	}
	s.forward(c, "turn/start", func() (json.RawMessage, error) {
		return s.gw.StartTurn(c.Request.Context(), params)
	})
}

func (s *Server) handleInterrupt(c *gin.Context) {
	params, ok := s.bindParams(c, c.Param("id"))
	if !ok {
		return
	}
	s.forward(c, "turn/interrupt", func() (json.RawMessage, error) {
		return s.gw.InterruptTurn(c.Request.Context(), params)
	})
}

// bindParams reads an optional JSON object body and sets threadId on it
// when the route names a thread.
func (s *Server) bindParams(c *gin.Context, threadID string) (map[string]any, bool) {
	params := map[string]any{}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return nil, false
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
			return nil, false
		}
	}
	if threadID != "" {
		params["threadId"] = threadID
	}
	return params, true
}

func (s *Server) forward(c *gin.Context, method string, call func() (json.RawMessage, error)) {
	result, err := call()
	var rpcErr *protocol.Error
	switch {
	case err == nil:
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", result)
	case errors.Is(err, gateway.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &rpcErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": rpcErr.Message, "code": rpcErr.Code, "data": rpcErr.Data})
	default:
		s.logger.Warn("agent call failed", "method", method, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// handleListApprovals lists live approvals; ?status= reads history from the
// store instead ("all" for every status).
func (s *Server) handleListApprovals(c *gin.Context) {
	status := c.Query("status")
	if status == "" || status == string(model.ApprovalPending) {
		c.JSON(http.StatusOK, gin.H{"approvals": s.gw.PendingApprovals()})
		return
	}
	if status == "all" {
		status = ""
	}
	approvals, err := s.store.ListApprovals(c.Request.Context(), model.ApprovalStatus(status))
	if err != nil {
		s.internalError(c, "list approvals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

type approvalRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Decision  string `json:"decision" binding:"required"`
}

func (s *Server) handleRespondApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requestId and decision are required"})
		return
	}

	err := s.gw.RespondApproval(c.Request.Context(), req.RequestID, req.Decision)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, gateway.ErrNoPendingApproval):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("respond approval", "requestId", req.RequestID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error(op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
