package engine

import (
	"errors"
	"log"
	"sync"

	"chatstack.local/projects/agent-bridge/internal/breaker"
	"chatstack.local/projects/agent-bridge/internal/bridge"
	"chatstack.local/projects/agent-bridge/internal/dispatch"
	"chatstack.local/projects/agent-bridge/internal/usercontext"
)

// FactoryMetrics is an observability snapshot of the engine factory.
type FactoryMetrics struct {
	ActiveEngines  int
	EnginesCreated int64
	EnginesCleaned int64
}

// Factory creates and tears down execution engines: one isolated engine per
// user run, each wired to the user's emitter and the shared breaker
// registry.
type Factory struct {
	logger     *log.Logger
	contexts   *usercontext.Manager
	bridges    *bridge.Factory
	breakers   *breaker.Manager
	dispatcher *dispatch.Dispatcher

	mu      sync.Mutex
	active  map[*Engine]struct{}
	created int64
	cleaned int64
}

func NewFactory(logger *log.Logger, contexts *usercontext.Manager, bridges *bridge.Factory, breakers *breaker.Manager, dispatcher *dispatch.Dispatcher) *Factory {
	return &Factory{
		logger:     logger,
		contexts:   contexts,
		bridges:    bridges,
		breakers:   breakers,
		dispatcher: dispatcher,
		active:     make(map[*Engine]struct{}),
	}
}

// CreateForUser validates the context and returns a fresh engine bound to
// it. Engine creation survives websocket wiring failures: the emitter still
// exists and buffers events, it just has no live connection yet. Safe to
// call concurrently; every call yields a distinct engine with no shared
// state.
func (f *Factory) CreateForUser(userCtx *usercontext.Context) (*Engine, error) {
	userCtx, err := f.contexts.ValidateContext(userCtx)
	if err != nil {
		return nil, err
	}

	emitter, existed := f.bridges.GetUserEmitter(userCtx.UserID())
	if !existed {
		// No socket yet; events buffer in the queue until one attaches.
		emitter, err = f.bridges.CreateUserEmitter(userCtx.UserID(), userCtx.ThreadID(), nil)
		if err != nil {
			f.logger.Printf("emitter wiring degraded user_id=%s err=%v", userCtx.UserID(), err)
		}
	}

	eng := &Engine{
		logger:         f.logger,
		userCtx:        userCtx,
		emitter:        emitter,
		breakers:       f.breakers,
		dispatcher:     f.dispatcher,
		factory:        f,
		ownsEmitter:    !existed,
		agentState:     make(map[string]any),
		executionState: make(map[string]any),
	}

	f.mu.Lock()
	f.active[eng] = struct{}{}
	f.created++
	f.mu.Unlock()

	f.logger.Printf("engine created user_id=%s run_id=%s request_id=%s", userCtx.UserID(), userCtx.RunID(), userCtx.RequestID())
	return eng, nil
}

// release is called from Engine.Cleanup to drop the factory's bookkeeping
// and clean the engine's context.
func (f *Factory) release(eng *Engine) error {
	f.mu.Lock()
	if _, ok := f.active[eng]; ok {
		delete(f.active, eng)
		f.cleaned++
	}
	f.mu.Unlock()

	err := f.contexts.CleanupContext(eng.userCtx.Key())
	if errors.Is(err, usercontext.ErrNotFound) {
		return nil
	}
	return err
}

// CleanupAll tears down every active engine and returns the count.
func (f *Factory) CleanupAll() int {
	f.mu.Lock()
	engines := make([]*Engine, 0, len(f.active))
	for eng := range f.active {
		engines = append(engines, eng)
	}
	f.mu.Unlock()

	for _, eng := range engines {
		_ = eng.Cleanup()
	}
	return len(engines)
}

// Metrics returns the factory observability snapshot.
func (f *Factory) Metrics() FactoryMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FactoryMetrics{
		ActiveEngines:  len(f.active),
		EnginesCreated: f.created,
		EnginesCleaned: f.cleaned,
	}
}
