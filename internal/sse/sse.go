// Package sse implements the Events Stream Manager (component J): a
// bounded-per-client SSE fan-out with glob-prefix filter subscriptions,
// heartbeats, and drop-on-full backpressure that never blocks the event
// bus emitting into it.
//
// Grounded directly on internal/controlplane/websocket/stream.go's
// streamRegistry (Subscribe returns a subscriber plus a cleanup closure;
// Dispatch does a non-blocking per-subscriber send with `select{case
// <-done: case ch<-v: default: /*drop*/}`), generalized from "subscribers
// keyed by exact request id" to "subscribers keyed by a glob-prefix filter
// over dotted event types" and adapted from WebSocket push to SSE framing.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/bus"
)

// Client is one subscribed SSE connection.
type Client struct {
	ID      string
	Filters []string // glob prefixes over event type, e.g. "dag.*", "*"; any match passes
	Ch      chan bus.Event
	done    chan struct{}
	once    sync.Once
}

// Close stops delivery to this client. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) matches(eventType string) bool {
	if len(c.Filters) == 0 {
		return true
	}
	for _, f := range c.Filters {
		if matchesOne(f, eventType) {
			return true
		}
	}
	return false
}

func matchesOne(filter, eventType string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if ok, _ := path.Match(filter, eventType); ok {
		return true
	}
	// glob prefix fallback: a filter ending in "*" also matches any event
	// type with that prefix that path.Match rejects, e.g. one with a "/"
	// after the prefix (path.Match's "*" already spans dots).
	if strings.HasSuffix(filter, "*") {
		prefix := strings.TrimSuffix(filter, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

// ParseFilters splits a comma-separated filter query param ("a.*,b.*") into
// individual glob patterns, dropping empty segments.
func ParseFilters(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CapacityError is returned by Subscribe when the client pool is full —
// the dispatcher translates it into the spec's exact
// `503 {error:"Too many clients", max:N}` response body.
type CapacityError struct{ Max int }

func (e *CapacityError) Error() string {
	return fmt.Sprintf("sse: client pool at capacity (%d)", e.Max)
}

// Manager fans internal/bus events out to a bounded pool of SSE clients.
type Manager struct {
	log       *zap.Logger
	startedAt time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	maxSize int
	bufSize int
	nextID  uint64
	unsub   func()
}

// New creates a Manager bound to bus: it subscribes to every event on the
// bus (wildcard) and fans matching ones out per-client. maxClients bounds
// the pool size (further Subscribe calls are rejected once full);
// clientBufSize bounds each client's own backlog before drops kick in.
func New(log *zap.Logger, b *bus.Bus, maxClients, clientBufSize int) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if maxClients <= 0 {
		maxClients = 256
	}
	if clientBufSize <= 0 {
		clientBufSize = 32
	}
	m := &Manager{
		log:       log.Named("sse"),
		startedAt: time.Now(),
		clients:   make(map[string]*Client),
		maxSize:   maxClients,
		bufSize:   clientBufSize,
	}
	m.unsub = b.On("*", m.dispatch)
	return m
}

// Close stops the bus subscription and every client channel.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		c.Close()
	}
	m.clients = make(map[string]*Client)
}

// Subscribe registers a new client bounded by filters, returning the client
// and a cleanup closure. Returns a *CapacityError (nil Client) if the pool
// is at maxClients.
func (m *Manager) Subscribe(filters []string) (*Client, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxSize {
		return nil, nil, &CapacityError{Max: m.maxSize}
	}

	m.nextID++
	id := fmt.Sprintf("sse-%d", m.nextID)
	c := &Client{ID: id, Filters: filters, Ch: make(chan bus.Event, m.bufSize), done: make(chan struct{})}
	m.clients[id] = c

	cleanup := func() {
		c.Close()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.clients, id)
	}
	return c, cleanup, nil
}

// ClientCount reports the number of currently subscribed clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// UptimeSeconds reports whole seconds elapsed since the Manager was created.
func (m *Manager) UptimeSeconds() int64 {
	return int64(time.Since(m.startedAt).Seconds())
}

func (m *Manager) dispatch(evt bus.Event) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if !c.matches(evt.Type) {
			continue
		}
		select {
		case <-c.done:
		case c.Ch <- evt:
		default:
			m.log.Warn("dropping event for slow sse client", zap.String("client", c.ID), zap.String("type", evt.Type))
		}
	}
}

// heartbeat is the periodic keep-alive frame's JSON payload.
type heartbeat struct {
	ConnectedClients int   `json:"connected_clients"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

// writeFrame writes evt as an SSE frame, used by Serve's delivery loop.
func writeFrame(w http.ResponseWriter, evt bus.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, body); err != nil {
		return err
	}
	return nil
}

// Serve subscribes one HTTP client and streams matching events as SSE
// frames until the request context is cancelled or the connection errors.
// heartbeatEvery <= 0 disables heartbeats.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, filters []string, heartbeatEvery time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	client, cleanup, err := m.Subscribe(filters)
	if err != nil {
		return err
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if heartbeatEvery > 0 {
		ticker = time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return nil
		case evt, ok := <-client.Ch:
			if !ok {
				return nil
			}
			if err := writeFrame(w, evt); err != nil {
				return err
			}
			flusher.Flush()
		case <-tickCh:
			payload, err := json.Marshal(heartbeat{
				ConnectedClients: m.ClientCount(),
				UptimeSeconds:    m.UptimeSeconds(),
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: %s\n\n", payload); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
