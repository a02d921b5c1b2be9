package bridge

import (
	"log"
	"sync"

	"chatstack.local/projects/agent-bridge/internal/event"
)

// Priority controls whether an event passes through the FIFO queue or goes
// straight to the wire.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// EmitterMetrics is a point-in-time snapshot of one emitter's counters.
type EmitterMetrics struct {
	UserID       string
	SessionID    string
	EventsSent   int64
	EventsFailed int64
	EventsQueued int64
}

// UserEmitter is the per (user, session) outbound event channel. It holds a
// lookup key into the pool, never the socket itself, so the connection can
// be rebound across reconnects without recreating the emitter.
type UserEmitter struct {
	logger *log.Logger
	pool   *ConnectionPool

	userID    string
	sessionID string

	mu           sync.Mutex
	connectionID string
	active       bool
	queue        []event.Event
	eventsSent   int64
	eventsFailed int64
	eventsQueued int64
}

func newUserEmitter(logger *log.Logger, pool *ConnectionPool, userID, sessionID string) *UserEmitter {
	return &UserEmitter{
		logger:    logger,
		pool:      pool,
		userID:    userID,
		sessionID: sessionID,
		active:    true,
	}
}

func (e *UserEmitter) UserID() string    { return e.userID }
func (e *UserEmitter) SessionID() string { return e.sessionID }

// ConnectionID returns the pool lookup key, "" when detached.
func (e *UserEmitter) ConnectionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectionID
}

// SetConnectionID rebinds the emitter to a pool entry after a reconnect.
func (e *UserEmitter) SetConnectionID(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectionID = connectionID
}

// ClearConnectionID detaches the emitter from its pool entry. Queued events
// stay buffered for the next connection.
func (e *UserEmitter) ClearConnectionID() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectionID = ""
}

// IsActive reports whether the emitter accepts events.
func (e *UserEmitter) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Deactivate stops the emitter. Racing emits observe the inactive state and
// return false; they never error into the execution path.
func (e *UserEmitter) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
}

// Emit sends one event. The event is sanitized before it ever reaches the
// wire. HIGH priority bypasses the queue and broadcasts immediately; NORMAL
// priority is enqueued in FIFO order. Returns false on an inactive emitter
// or a delivery failure.
func (e *UserEmitter) Emit(ev event.Event, priority Priority) bool {
	clean := event.Sanitize(ev)

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return false
	}
	if priority == PriorityNormal {
		e.queue = append(e.queue, clean)
		e.eventsQueued++
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	return e.deliver(clean)
}

// QueueEvent appends one sanitized event to the FIFO queue. Inactive
// emitters accept nothing.
func (e *UserEmitter) QueueEvent(ev event.Event) bool {
	clean := event.Sanitize(ev)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return false
	}
	e.queue = append(e.queue, clean)
	e.eventsQueued++
	return true
}

// FlushQueue drains the whole queue to the pool in enqueue order and
// returns the number of events flushed.
func (e *UserEmitter) FlushQueue() int {
	return e.ProcessBatch(0)
}

// ProcessBatch dequeues up to batchSize events (everything when
// batchSize <= 0) and broadcasts each in FIFO order. A partial batch leaves
// the remainder queued.
func (e *UserEmitter) ProcessBatch(batchSize int) int {
	e.mu.Lock()
	n := len(e.queue)
	if batchSize > 0 && batchSize < n {
		n = batchSize
	}
	batch := e.queue[:n]
	e.queue = append([]event.Event(nil), e.queue[n:]...)
	e.mu.Unlock()

	processed := 0
	for _, ev := range batch {
		e.deliver(ev)
		processed++
	}
	return processed
}

// QueueLen returns the number of events currently buffered.
func (e *UserEmitter) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Metrics returns a snapshot of the emitter counters.
func (e *UserEmitter) Metrics() EmitterMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EmitterMetrics{
		UserID:       e.userID,
		SessionID:    e.sessionID,
		EventsSent:   e.eventsSent,
		EventsFailed: e.eventsFailed,
		EventsQueued: e.eventsQueued,
	}
}

// deliver hands one event to the pool and updates the counters. Delivery
// failures degrade to a false return with a metric bump, never an error.
func (e *UserEmitter) deliver(ev event.Event) bool {
	delivered := e.pool.BroadcastToUser(e.userID, ev)

	e.mu.Lock()
	defer e.mu.Unlock()
	if delivered == 0 {
		e.eventsFailed++
		return false
	}
	e.eventsSent++
	return true
}
