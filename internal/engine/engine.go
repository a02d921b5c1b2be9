package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"chatstack.local/projects/agent-bridge/internal/breaker"
	"chatstack.local/projects/agent-bridge/internal/bridge"
	"chatstack.local/projects/agent-bridge/internal/dispatch"
	"chatstack.local/projects/agent-bridge/internal/event"
	"chatstack.local/projects/agent-bridge/internal/usercontext"
)

// Engine binds one isolated user context to one emitter and the shared
// breaker registry for the duration of a run. Its agent/execution state
// maps are engine-local: no two engines ever share them.
type Engine struct {
	logger     *log.Logger
	userCtx    *usercontext.Context
	emitter    *bridge.UserEmitter
	breakers   *breaker.Manager
	dispatcher *dispatch.Dispatcher
	factory    *Factory

	// ownsEmitter marks emitters created for this run alone; shared
	// emitters survive engine cleanup.
	ownsEmitter bool

	mu             sync.Mutex
	agentState     map[string]any
	executionState map[string]any
	cleaned        bool
}

func (e *Engine) Context() *usercontext.Context { return e.userCtx }
func (e *Engine) Emitter() *bridge.UserEmitter  { return e.emitter }

func (e *Engine) SetAgentState(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentState[key] = value
}

func (e *Engine) GetAgentState(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.agentState[key]
	return v, ok
}

func (e *Engine) SetExecutionState(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executionState[key] = value
}

func (e *Engine) GetExecutionState(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.executionState[key]
	return v, ok
}

// CallDependency runs op through the named breaker. An open breaker rejects
// with breaker.OpenError before the operation is attempted.
func (e *Engine) CallDependency(ctx context.Context, name string, op func(context.Context) (any, error)) (any, error) {
	b := e.breakers.GetOrCreate(name, breaker.Config{})
	return b.Call(ctx, op)
}

// EmitEvent stamps the event with the run identity, sanitizes it, and hands
// the clean copy to the user's emitter and the subscriber plane. Both paths
// leave the process, so both get the sanitized event. Delivery failures
// surface as false, never as an error into the execution path.
func (e *Engine) EmitEvent(ev event.Event, priority bridge.Priority) bool {
	ev.UserID = e.userCtx.UserID()
	ev.ThreadID = e.userCtx.ThreadID()
	ev.RunID = e.userCtx.RunID()
	clean := event.Sanitize(ev)

	ok := e.emitter.Emit(clean, priority)
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(context.Background(), clean)
	}
	return ok
}

// Lifecycle emitters. Within one run these preserve the critical order:
// agent_started, agent_thinking, tool_executing, tool_completed,
// agent_completed.

func (e *Engine) EmitAgentStarted(agentName string) bool {
	ev := event.New(event.TypeAgentStarted)
	ev.AgentName = agentName
	ev.Status = "started"
	return e.EmitEvent(ev, bridge.PriorityNormal)
}

func (e *Engine) EmitAgentThinking(agentName, message string) bool {
	ev := event.New(event.TypeAgentThinking)
	ev.AgentName = agentName
	ev.Message = message
	return e.EmitEvent(ev, bridge.PriorityNormal)
}

func (e *Engine) EmitToolExecuting(agentName, toolName string, args map[string]any) bool {
	ev := event.New(event.TypeToolExecuting)
	ev.AgentName = agentName
	ev.ToolName = toolName
	ev.Data = args
	return e.EmitEvent(ev, bridge.PriorityNormal)
}

func (e *Engine) EmitToolCompleted(agentName, toolName string, results map[string]any, duration time.Duration) bool {
	ev := event.New(event.TypeToolCompleted)
	ev.AgentName = agentName
	ev.ToolName = toolName
	ev.Results = results
	ev.DurationMS = float64(duration.Milliseconds())
	return e.EmitEvent(ev, bridge.PriorityNormal)
}

func (e *Engine) EmitAgentCompleted(agentName string, data map[string]any) bool {
	ev := event.New(event.TypeAgentCompleted)
	ev.AgentName = agentName
	ev.Status = "completed"
	ev.Data = data
	return e.EmitEvent(ev, bridge.PriorityNormal)
}

// EmitAgentFailed goes out at high priority so a failure is not stuck
// behind queued progress events.
func (e *Engine) EmitAgentFailed(agentName string, cause error) bool {
	ev := event.New(event.TypeAgentFailed)
	ev.AgentName = agentName
	ev.Status = "failed"
	if cause != nil {
		ev.Error = cause.Error()
	}
	return e.EmitEvent(ev, bridge.PriorityHigh)
}

// Cleanup releases the engine's context and, when the emitter is owned by
// this run, deactivates it. Safe to call concurrently with in-flight emits:
// those observe the inactive emitter and return false.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return nil
	}
	e.cleaned = true
	e.mu.Unlock()

	if e.ownsEmitter {
		e.emitter.Deactivate()
	}
	err := e.factory.release(e)
	e.logger.Printf("engine cleaned user_id=%s run_id=%s", e.userCtx.UserID(), e.userCtx.RunID())
	return err
}
