// Package approval implements the human-in-the-loop side of the Controlled
// DAG Executor's gate mechanism (component H): a task declared with
// dagexec.GateHIL is held in a Queue until an operator decides it, rather
// than running unattended. dagexec.GateAIL gates (an automated judge instead
// of a person) are out of scope here — nothing in this gateway's dependency
// stack ships a judge model to ground one on, so only the HIL half of
// dagexec.GateDecider gets a real implementation.
//
// Adapted from the control plane's risk-gated approval queue, which held
// shell commands for operator sign-off before dispatch; the same
// submit/decide/expire state machine applies directly to holding a DAG task
// id instead of a command payload.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmlrun/gateway/internal/dagexec"
)

// Decision is the outcome of a gate request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionExpired  Decision = "expired"
)

// Request is one task blocked on a gate decision.
type Request struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Kind      dagexec.GateKind `json:"kind"`
	Decision  Decision        `json:"decision"`
	DecidedBy string          `json:"decided_by,omitempty"`
	DecidedAt time.Time       `json:"decided_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Queue holds pending gate requests, one per outstanding task. Requests
// past their TTL are treated as expired (denied) the next time they're
// touched.
type Queue struct {
	mu       sync.Mutex
	requests map[string]*Request
	ttl      time.Duration
	maxSize  int
}

// NewQueue creates a Queue. ttl is how long an unanswered request stays
// pending before expiring; maxSize bounds how many requests can be
// outstanding at once, the same backpressure the control plane's queue
// applied to runaway command volume.
func NewQueue(ttl time.Duration, maxSize int) *Queue {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{requests: make(map[string]*Request), ttl: ttl, maxSize: maxSize}
}

// Submit opens a new gate request for taskID and returns it pending.
func (q *Queue) Submit(taskID string, kind dagexec.GateKind) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()
	if len(q.requests) >= q.maxSize {
		return nil, fmt.Errorf("approval queue full (%d/%d)", len(q.requests), q.maxSize)
	}

	req := &Request{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Kind:      kind,
		Decision:  DecisionPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(q.ttl),
	}
	q.requests[req.ID] = req
	return req, nil
}

// Decide records an approval or denial against a pending request.
func (q *Queue) Decide(id string, approve bool, decidedBy string) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request %s not found", id)
	}
	if req.Decision != DecisionPending {
		return nil, fmt.Errorf("request %s already decided: %s", id, req.Decision)
	}
	if time.Now().UTC().After(req.ExpiresAt) {
		req.Decision = DecisionExpired
		return nil, fmt.Errorf("request %s expired at %s", id, req.ExpiresAt.Format(time.RFC3339))
	}

	req.Decision = DecisionDenied
	if approve {
		req.Decision = DecisionApproved
	}
	req.DecidedBy = decidedBy
	req.DecidedAt = time.Now().UTC()
	return req, nil
}

// Get returns a single request by id.
func (q *Queue) Get(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if ok && req.Decision == DecisionPending && time.Now().UTC().After(req.ExpiresAt) {
		req.Decision = DecisionExpired
	}
	return req, ok
}

// Pending returns every still-open request, newest first.
func (q *Queue) Pending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked()

	var result []*Request
	for _, req := range q.requests {
		if req.Decision == DecisionPending {
			result = append(result, req)
		}
	}
	sortRequestsByTime(result)
	return result
}

func (q *Queue) evictExpiredLocked() {
	now := time.Now().UTC()
	for _, req := range q.requests {
		if req.Decision == DecisionPending && now.After(req.ExpiresAt) {
			req.Decision = DecisionExpired
		}
	}
	cutoff := now.Add(-24 * time.Hour)
	for id, req := range q.requests {
		if req.Decision != DecisionPending && req.CreatedAt.Before(cutoff) {
			delete(q.requests, id)
		}
	}
}

func sortRequestsByTime(reqs []*Request) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.After(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}
