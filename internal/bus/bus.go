// Package bus implements the gateway's in-process event bus: a typed
// pub/sub used to fan state changes (tool calls, DAG completions, capability
// lifecycle, graph edges) out to the Graph-Sync Controller and the SSE
// stream manager.
//
// Modeled on the fleet event bus in the control plane this gateway is
// descended from (non-blocking publish, per-subscriber delivery that never
// blocks the emitter) generalized from a single-topic channel bus into a
// typed multi-handler registry with wildcard subscribers and FIFO-per-emit
// delivery ordering.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is the envelope delivered to every handler. Payload is free-form
// per Type (a dotted string such as "tool.start" or "dag.task.completed").
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Payload   interface{}
}

// Handler processes one event. A handler that panics or returns must never
// prevent other handlers — sync or async faults are recovered/logged by the
// bus's dispatch loop, never surfaced to Emit's caller.
type Handler func(Event)

const wildcard = "*"

type subscription struct {
	id      uint64
	typ     string
	handler Handler
	once    bool
}

// Bus is a single-process typed pub/sub. The zero value is not usable; call
// New.
type Bus struct {
	log *zap.Logger

	mu            sync.RWMutex
	subsByType    map[string][]*subscription
	nextID        uint64
	closed        bool
	emitCount     uint64
	registeredSet map[string]struct{}

	queue   chan queuedEvent
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

type queuedEvent struct {
	event Event
	subs  []*subscription
}

// New creates an event bus and starts its delivery goroutine. queueSize
// bounds the number of pending emits awaiting dispatch; Emit blocks only if
// the queue itself is saturated (it never blocks on handler execution).
func New(log *zap.Logger, queueSize int) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &Bus{
		log:           log.Named("bus"),
		subsByType:    make(map[string][]*subscription),
		registeredSet: make(map[string]struct{}),
		queue:         make(chan queuedEvent, queueSize),
		done:          make(chan struct{}),
	}
	b.startLocked()
	return b
}

func (b *Bus) startLocked() {
	b.mu.Lock()
	b.started = true
	b.closed = false
	b.mu.Unlock()
	b.wg.Add(1)
	go b.dispatchLoop()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case qe, ok := <-b.queue:
			if !ok {
				return
			}
			b.deliver(qe)
		case <-b.done:
			// Drain whatever is already queued before exiting, matching the
			// spec's requirement that emits issued before close() are still
			// delivered FIFO; emits issued after close() are no-ops and never
			// reach the queue (Emit checks closed under the lock).
			for {
				select {
				case qe, ok := <-b.queue:
					if !ok {
						return
					}
					b.deliver(qe)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(qe queuedEvent) {
	for _, sub := range qe.subs {
		if sub.once {
			// A once-handler may sit in several queued snapshots; skip it
			// once an earlier delivery has already removed it.
			b.mu.RLock()
			live := false
			for _, s := range b.subsByType[sub.typ] {
				if s.id == sub.id {
					live = true
					break
				}
			}
			b.mu.RUnlock()
			if !live {
				continue
			}
		}
		b.invoke(sub, qe.event)
		if sub.once {
			b.remove(sub.id)
		}
	}
}

func (b *Bus) invoke(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("type", evt.Type),
				zap.Any("recovered", r),
			)
		}
	}()
	sub.handler(evt)
}

// On registers handler for type (or every event, if type is "*"). The
// returned unsubscribe function is idempotent.
func (b *Bus) On(typ string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, typ: typ, handler: handler}
	b.subsByType[typ] = append(b.subsByType[typ], sub)
	b.registeredSet[typ] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Once registers a handler that fires at most once then auto-unsubscribes.
func (b *Bus) Once(typ string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, typ: typ, handler: handler, once: true}
	b.subsByType[typ] = append(b.subsByType[typ], sub)
	b.registeredSet[typ] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Off removes every subscription registered for typ via On/Once whose
// handler pointer matches handler's identity is not reliably comparable in
// Go, so Off removes all subscriptions for typ — callers that need
// selective removal should keep the unsubscribe closure returned by On.
func (b *Bus) Off(typ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subsByType, typ)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.subsByType {
		for i, s := range subs {
			if s.id == id {
				b.subsByType[typ] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit fills in Timestamp if absent and enqueues delivery; it returns
// immediately (delivery happens on the dispatch goroutine). After Close,
// Emit is a no-op.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.emitCount++

	subs := make([]*subscription, 0, len(b.subsByType[evt.Type])+len(b.subsByType[wildcard]))
	subs = append(subs, b.subsByType[evt.Type]...)
	subs = append(subs, b.subsByType[wildcard]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	b.queue <- queuedEvent{event: evt, subs: subs}
}

// Close stops delivery: pending queued emits still drain, but Emit and On
// become no-ops thereafter.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	close(b.queue)
	b.wg.Wait()
}

// Reset re-opens a closed bus, clears all subscriptions, and zeros counters.
func (b *Bus) Reset() {
	b.mu.Lock()
	wasClosed := b.closed
	b.subsByType = make(map[string][]*subscription)
	b.registeredSet = make(map[string]struct{})
	b.emitCount = 0
	b.nextID = 0
	b.mu.Unlock()

	if wasClosed {
		b.queue = make(chan queuedEvent, cap(b.queue))
		b.done = make(chan struct{})
		b.startLocked()
	}
}

// HasHandlers reports whether any handler (including wildcard) would
// receive an event of typ.
func (b *Bus) HasHandlers(typ string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subsByType[typ]) > 0 || len(b.subsByType[wildcard]) > 0
}

// GetHandlerCount returns the number of handlers registered for typ
// (excluding wildcard handlers, which apply to every type).
func (b *Bus) GetHandlerCount(typ string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subsByType[typ])
}

// GetEmitCount returns the total number of Emit calls since creation or the
// last Reset.
func (b *Bus) GetEmitCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emitCount
}

// GetRegisteredTypes returns every event type that has ever had a handler
// registered (including types whose handlers have since unsubscribed).
func (b *Bus) GetRegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.registeredSet))
	for t := range b.registeredSet {
		types = append(types, t)
	}
	return types
}
