package admin

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/anthropics/feishu-matrix-bridge/internal/domain"
)

// Provisioning error kinds.
var (
	ErrAlreadyExists = errors.New("pending bridge request already exists")
	ErrTimedOut      = errors.New("approval wait timed out")
	ErrDeclined      = errors.New("bridge request was declined")
	ErrNotFound      = errors.New("pending bridge request not found")
)

// PendingCoordinator tracks in-flight bridge-creation requests awaiting
// human approval. It is intentionally in-memory only — a process restart
// drops pending requests.
type PendingCoordinator struct {
	mu       sync.Mutex
	byChatID map[string]*domain.PendingBridgeRequest
}

func NewPendingCoordinator() *PendingCoordinator {
	return &PendingCoordinator{byChatID: map[string]*domain.PendingBridgeRequest{}}
}

// Create registers a new pending request, returning ErrAlreadyExists if one
// for the same Feishu chat is still Pending.
func (p *PendingCoordinator) Create(feishuChatID, matrixRoomID, requestor, actorSource string) (*domain.PendingBridgeRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byChatID[feishuChatID]; ok && existing.Status == domain.PendingStatus {
		return nil, ErrAlreadyExists
	}

	req := &domain.PendingBridgeRequest{
		FeishuChatID:    feishuChatID,
		MatrixRoomID:    matrixRoomID,
		MatrixRequestor: requestor,
		RequestID:       requestIDSeed(),
		ActorSource:     actorSource,
		CreatedAt:       time.Now(),
		Status:          domain.PendingStatus,
	}
	p.byChatID[feishuChatID] = req
	cp := *req
	return &cp, nil
}

// Approve transitions a pending request to Approved.
func (p *PendingCoordinator) Approve(feishuChatID string) (*domain.PendingBridgeRequest, error) {
	return p.transition(feishuChatID, domain.ApprovedStatus)
}

// Decline transitions a pending request to Declined.
func (p *PendingCoordinator) Decline(feishuChatID string) (*domain.PendingBridgeRequest, error) {
	return p.transition(feishuChatID, domain.DeclinedStatus)
}

func (p *PendingCoordinator) transition(feishuChatID string, to domain.PendingBridgeRequestStatus) (*domain.PendingBridgeRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byChatID[feishuChatID]
	if !ok {
		return nil, ErrNotFound
	}
	req.Status = to
	cp := *req
	return &cp, nil
}

// WaitForApproval polls the request's status at pollInterval until it
// leaves Pending or timeout elapses. The per-chat queue lock is
// never held across this wait — callers run it outside any dispatch path.
func (p *PendingCoordinator) WaitForApproval(ctx context.Context, feishuChatID string, timeout, pollInterval time.Duration) (*domain.PendingBridgeRequest, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, ok := p.get(feishuChatID)
		if !ok {
			return nil, ErrNotFound
		}
		switch req.Status {
		case domain.ApprovedStatus:
			return req, nil
		case domain.DeclinedStatus:
			return req, ErrDeclined
		case domain.ExpiredStatus:
			return req, ErrTimedOut
		}
		if time.Now().After(deadline) {
			return req, ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PendingCoordinator) get(feishuChatID string) (*domain.PendingBridgeRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byChatID[feishuChatID]
	if !ok {
		return nil, false
	}
	cp := *req
	return &cp, true
}

// List returns a snapshot of every tracked pending request.
func (p *PendingCoordinator) List() []*domain.PendingBridgeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.PendingBridgeRequest, 0, len(p.byChatID))
	for _, req := range p.byChatID {
		cp := *req
		out = append(out, &cp)
	}
	return out
}

// SweepExpired marks every Pending request older than ttl as Expired,
// returning how many were swept. Intended to run on runtime's periodic
// cron schedule alongside the other janitorial sweeps.
func (p *PendingCoordinator) SweepExpired(ttl time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-ttl)
	for _, req := range p.byChatID {
		if req.Status == domain.PendingStatus && req.CreatedAt.Before(cutoff) {
			req.Status = domain.ExpiredStatus
			n++
		}
	}
	return n
}

var requestSeq struct {
	mu sync.Mutex
	n  int64
}

// requestIDSeed produces a small monotonic id distinguishing pending
// requests in logs; admin API calls get their own uuid-based request id via
// audit.go, this is purely an internal disambiguator.
func requestIDSeed() string {
	requestSeq.mu.Lock()
	defer requestSeq.mu.Unlock()
	requestSeq.n++
	return time.Now().UTC().Format("20060102T150405") + "-" + strconv.FormatInt(requestSeq.n, 10)
}
