// Package audit is an in-process, append-only record of administrative
// actions taken through the dispatcher: dependency edits, gate decisions,
// and API key lifecycle changes. It answers "who changed what and when"
// for a deployment with no external logging pipeline wired up, the same
// role the teacher's internal/controlplane/audit.Log plays for its own
// probe/command/policy actions — generalized here to the gateway's own
// event vocabulary.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventDependencyAdded   EventType = "dependency.added"
	EventDependencyRemoved EventType = "dependency.removed"
	EventApprovalDecided   EventType = "approval.decided"
	EventAPIKeyCreated     EventType = "api_key.created"
	EventAPIKeyRevoked     EventType = "api_key.revoked"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	Subject   string    `json:"subject,omitempty"` // the id acted on: a dependency, request, or key id
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Log is an append-only, size-bounded audit trail. Safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	events []Event
	maxLen int // 0 means unbounded
}

// NewLog creates a Log holding at most maxLen events (0 for unbounded),
// oldest entries dropped first once that cap is reached.
func NewLog(maxLen int) *Log {
	return &Log{events: make([]Event, 0, 256), maxLen: maxLen}
}

// Record appends evt, stamping an id/timestamp if either is unset.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording an event from its scalar fields.
func (l *Log) Emit(typ EventType, actor, subject, summary string) {
	l.Record(Event{Type: typ, Actor: actor, Subject: subject, Summary: summary})
}

// Filter scopes a Query.
type Filter struct {
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Query returns events matching f, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, evt)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Recent returns the n most recent events.
func (l *Log) Recent(n int) []Event { return l.Query(Filter{Limit: n}) }

// Count returns the number of events currently retained.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports every retained event, newest last (insertion order).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
