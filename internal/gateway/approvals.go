package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

// Approval decisions a client may send.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"

	decisionExpired = "expired"
)

var (
	// ErrNoPendingApproval matches every *NoPendingApprovalError.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrInvalidDecision is returned for decisions other than accept and decline.
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// NoPendingApprovalError reports a response for an approval that does not
// exist or was already answered.
type NoPendingApprovalError struct {
	RequestID string
}

func (e *NoPendingApprovalError) Error() string {
	return fmt.Sprintf("No pending approval for request %s", e.RequestID)
}

func (e *NoPendingApprovalError) Is(target error) bool { return target == ErrNoPendingApproval }

// PendingApproval is an approval request awaiting a decision.
type PendingApproval struct {
	RequestID string          `json:"requestId"`
	ID        protocol.ID     `json:"-"`
	Method    string          `json:"method"`
	ThreadID  string          `json:"threadId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`

	sess *session
	// registered is set once the pending row is stored and
	// approval.requested is published. Until then the entry only reserves
	// its id and cannot be claimed, listed or expired.
	registered bool
}

type approvalEvent struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Decision  string          `json:"decision,omitempty"`
}

func (g *Gateway) registerApproval(ctx context.Context, s *session, req *protocol.Request) {
	pa := &PendingApproval{
		RequestID: req.ID.String(),
		ID:        req.ID,
		Method:    req.Method,
		ThreadID:  ThreadIDFromParams(req.Params),
		Params:    req.Params,
		CreatedAt: time.Now().UTC(),
		sess:      s,
	}
	key := req.ID.Key()

	g.approvalMu.Lock()
	_, dup := g.approvals[key]
	if !dup {
		g.approvals[key] = pa
	}
	g.approvalMu.Unlock()

	if dup {
		g.logger.Warn("duplicate approval request", "requestId", pa.RequestID)
		rpcErr := protocol.NewError(protocol.ErrInvalidRequest, "duplicate approval request id "+pa.RequestID, nil)
		if err := s.peer.RespondError(req.ID, rpcErr); err != nil {
			g.logger.Warn("reject duplicate approval", "requestId", pa.RequestID, "error", err)
		}
		return
	}

	err := g.repo.InsertApproval(ctx, model.Approval{
		RequestID: pa.RequestID,
		ThreadID:  pa.ThreadID,
		Method:    pa.Method,
		Params:    pa.Params,
		Status:    model.ApprovalPending,
		CreatedAt: pa.CreatedAt,
	})
	if err != nil {
		g.logger.Error("persist approval", "requestId", pa.RequestID, "error", err)
	}

	g.logger.Info("approval requested", "requestId", pa.RequestID, "method", pa.Method, "threadId", pa.ThreadID)
	payload, _ := json.Marshal(approvalEvent{RequestID: pa.RequestID, Method: pa.Method, Params: pa.Params})
	g.publish(ctx, protocol.StreamEvent{
		Type:      protocol.StreamApprovalRequested,
		Method:    pa.Method,
		RequestID: pa.RequestID,
		ThreadID:  pa.ThreadID,
		Payload:   payload,
	})

	// stopping is set before expireApprovals takes approvalMu, so an entry
	// is either registered in time to be expired by it or expired here.
	g.approvalMu.Lock()
	stopping := s.stopping.Load()
	if stopping {
		delete(g.approvals, key)
	} else {
		pa.registered = true
	}
	g.approvalMu.Unlock()

	if stopping {
		g.resolve(context.WithoutCancel(ctx), pa, model.ApprovalExpired, decisionExpired)
	}
}

// claimApproval removes and returns the pending approval, or nil. Exactly
// one caller can claim a given request. Clients address approvals by the
// id's text, so a numeric id is preferred over a string id spelled the same.
func (g *Gateway) claimApproval(requestID string) *PendingApproval {
	g.approvalMu.Lock()
	defer g.approvalMu.Unlock()
	for _, key := range approvalKeys(requestID) {
		pa, ok := g.approvals[key]
		if !ok || !pa.registered {
			continue
		}
		delete(g.approvals, key)
		return pa
	}
	return nil
}

func approvalKeys(requestID string) []string {
	str := protocol.StringID(requestID).Key()
	if n, err := strconv.ParseInt(requestID, 10, 64); err == nil && strconv.FormatInt(n, 10) == requestID {
		return []string{protocol.IntID(n).Key(), str}
	}
	return []string{str}
}

// RespondApproval answers the agent's approval request. Only the first
// response for a request succeeds; later ones get *NoPendingApprovalError.
func (g *Gateway) RespondApproval(ctx context.Context, requestID, decision string) error {
	if decision != DecisionAccept && decision != DecisionDecline {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	pa := g.claimApproval(requestID)
	if pa == nil {
		return &NoPendingApprovalError{RequestID: requestID}
	}

	if err := pa.sess.peer.Respond(pa.ID, map[string]string{"decision": decision}); err != nil {
		// The claim stands; the agent that asked is gone or unreachable.
		g.logger.Error("send approval decision", "requestId", requestID, "error", err)
		return fmt.Errorf("send approval decision: %w", err)
	}

	g.resolve(ctx, pa, model.ApprovalResolved, decision)
	return nil
}

func (g *Gateway) resolve(ctx context.Context, pa *PendingApproval, status model.ApprovalStatus, decision string) {
	if err := g.repo.ResolveApproval(ctx, pa.RequestID, status, decision); err != nil {
		g.logger.Warn("persist approval resolution", "requestId", pa.RequestID, "error", err)
	}
	g.logger.Info("approval resolved", "requestId", pa.RequestID, "decision", decision)
	payload, _ := json.Marshal(approvalEvent{RequestID: pa.RequestID, Decision: decision})
	g.publish(ctx, protocol.StreamEvent{
		Type:      protocol.StreamApprovalResolved,
		Method:    pa.Method,
		RequestID: pa.RequestID,
		ThreadID:  pa.ThreadID,
		Payload:   payload,
	})
}

// expireApprovals resolves every approval raised by s as expired.
func (g *Gateway) expireApprovals(ctx context.Context, s *session) {
	g.approvalMu.Lock()
	var expired []*PendingApproval
	for key, pa := range g.approvals {
		if pa.sess == s && pa.registered {
			expired = append(expired, pa)
			delete(g.approvals, key)
		}
	}
	g.approvalMu.Unlock()

	sortApprovals(expired)
	for _, pa := range expired {
		g.resolve(ctx, pa, model.ApprovalExpired, decisionExpired)
	}
}

// PendingApprovals lists approvals awaiting a decision, oldest first.
func (g *Gateway) PendingApprovals() []PendingApproval {
	g.approvalMu.Lock()
	out := make([]*PendingApproval, 0, len(g.approvals))
	for _, pa := range g.approvals {
		if pa.registered {
			out = append(out, pa)
		}
	}
	g.approvalMu.Unlock()

	sortApprovals(out)
	list := make([]PendingApproval, len(out))
	for i, pa := range out {
		list[i] = *pa
		list[i].sess = nil
	}
	return list
}

func sortApprovals(list []*PendingApproval) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].RequestID < list[j].RequestID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
