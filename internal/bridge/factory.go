package bridge

import (
	"log"
	"sync"

	"chatstack.local/projects/agent-bridge/internal/event"
)

// Factory is the registry of user emitters: one emitter per active user,
// created on demand and torn down together with the user's pool
// connections.
type Factory struct {
	logger *log.Logger
	pool   *ConnectionPool

	mu       sync.Mutex
	emitters map[string]*UserEmitter
}

func NewFactory(logger *log.Logger, pool *ConnectionPool) *Factory {
	return &Factory{
		logger:   logger,
		pool:     pool,
		emitters: make(map[string]*UserEmitter),
	}
}

// Pool returns the connection pool the factory wires emitters to.
func (f *Factory) Pool() *ConnectionPool { return f.pool }

// CreateUserEmitter returns the user's emitter, creating it when absent.
// When a socket is given it is registered with the pool and the emitter is
// bound to it. A pool rejection (cap reached, transport error) still yields
// a working queued-only emitter; the error is returned so the caller can
// classify it.
func (f *Factory) CreateUserEmitter(userID, sessionID string, socket Socket) (*UserEmitter, error) {
	f.mu.Lock()
	emitter, ok := f.emitters[userID]
	if !ok {
		emitter = newUserEmitter(f.logger, f.pool, userID, sessionID)
		f.emitters[userID] = emitter
	}
	f.mu.Unlock()

	if socket == nil {
		return emitter, nil
	}

	connectionID, err := f.pool.AddConnection(userID, socket)
	if err != nil {
		f.logger.Printf("emitter created without connection user_id=%s session_id=%s err=%v", userID, sessionID, err)
		return emitter, err
	}
	emitter.SetConnectionID(connectionID)
	return emitter, nil
}

// GetUserEmitter returns the registered emitter for the user, if any.
func (f *Factory) GetUserEmitter(userID string) (*UserEmitter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	emitter, ok := f.emitters[userID]
	return emitter, ok
}

// RemoveUserEmitter deactivates and drops the user's emitter and closes the
// user's pool connections. Returns false when the user had no emitter.
func (f *Factory) RemoveUserEmitter(userID string) bool {
	f.mu.Lock()
	emitter, ok := f.emitters[userID]
	if ok {
		delete(f.emitters, userID)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	emitter.Deactivate()
	f.pool.CleanupUserConnections(userID)
	f.logger.Printf("emitter removed user_id=%s", userID)
	return true
}

// BroadcastToUser looks up the user's emitter and emits the event at HIGH
// priority, bypassing the queue. Returns false when the user has no emitter
// or delivery fails.
func (f *Factory) BroadcastToUser(userID string, ev event.Event) bool {
	emitter, ok := f.GetUserEmitter(userID)
	if !ok {
		return false
	}
	if !emitter.Emit(ev, PriorityHigh) {
		return false
	}
	return true
}

// CleanupInactiveEmitters drops emitters that are deactivated, or that
// still hold a connection binding whose pool entries are all gone and have
// nothing queued. An emitter that detached cleanly (connection id cleared
// on disconnect) is retained so a reconnecting user keeps their emitter and
// any buffered events; only RemoveUserEmitter tears those down. Stale
// emitters are dropped silently with a log line for the audit trail.
// Returns the number removed.
func (f *Factory) CleanupInactiveEmitters() int {
	f.mu.Lock()
	candidates := make(map[string]*UserEmitter, len(f.emitters))
	for userID, emitter := range f.emitters {
		candidates[userID] = emitter
	}
	f.mu.Unlock()

	removed := 0
	for userID, emitter := range candidates {
		stale := !emitter.IsActive() ||
			(len(f.pool.ActiveConnections(userID)) == 0 && emitter.QueueLen() == 0 && emitter.ConnectionID() != "")
		if !stale {
			continue
		}

		f.mu.Lock()
		if current, ok := f.emitters[userID]; ok && current == emitter {
			delete(f.emitters, userID)
			removed++
		}
		f.mu.Unlock()

		emitter.Deactivate()
		f.pool.CleanupUserConnections(userID)
		f.logger.Printf("inactive emitter dropped user_id=%s session_id=%s", userID, emitter.SessionID())
	}
	return removed
}

// ActiveEmitterCount returns the number of registered emitters.
func (f *Factory) ActiveEmitterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitters)
}
