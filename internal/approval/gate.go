package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/pmlrun/gateway/internal/dagexec"
)

// pollInterval is how often Gate re-checks a request's Decision while
// waiting. There's no push channel between Decide (an HTTP handler, run in
// a different goroutine entirely) and the blocked executor task, so polling
// is the simplest correct bridge between the two.
const pollInterval = 500 * time.Millisecond

// Gate implements dagexec.GateDecider over a Queue: a task declared with
// GateHIL blocks here until an operator calls Queue.Decide through the
// dispatcher's /api/approvals route, the request expires, or ctx is done.
// GateAIL tasks are rejected outright — see the package doc.
type Gate struct {
	queue *Queue
}

// NewGate wraps q as a dagexec.GateDecider.
func NewGate(q *Queue) *Gate { return &Gate{queue: q} }

var _ dagexec.GateDecider = (*Gate)(nil)

// Decide submits a request for taskID and blocks until it's approved,
// denied, expires, or ctx is canceled.
func (g *Gate) Decide(ctx context.Context, taskID string, kind dagexec.GateKind) (bool, error) {
	if kind != dagexec.GateHIL {
		return false, fmt.Errorf("approval.Gate only resolves %s gates, got %q", dagexec.GateHIL, kind)
	}

	req, err := g.queue.Submit(taskID, kind)
	if err != nil {
		return false, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			current, ok := g.queue.Get(req.ID)
			if !ok {
				return false, fmt.Errorf("approval request %s vanished while waiting", req.ID)
			}
			switch current.Decision {
			case DecisionApproved:
				return true, nil
			case DecisionDenied, DecisionExpired:
				return false, nil
			}
		}
	}
}
