package event

import (
	"encoding/json"
	"time"

	"chatstack.local/projects/agent-bridge/internal/ids"
)

type Type string

const (
	TypeAgentStarted   Type = "agent_started"
	TypeAgentThinking  Type = "agent_thinking"
	TypeAgentCompleted Type = "agent_completed"
	TypeAgentFailed    Type = "agent_failed"
	TypeAgentError     Type = "agent_error"
	TypeError          Type = "error"

	TypeToolStarted   Type = "tool_started"
	TypeToolExecuting Type = "tool_executing"
	TypeToolCompleted Type = "tool_completed"
	TypeToolError     Type = "tool_error"

	TypeConnectionEstablished Type = "connection_established"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
	TypeHeartbeat             Type = "heartbeat"
)

// Event is the wire envelope delivered to websocket clients. Timestamp is
// unix seconds. Results must be present (even if null) for tool_completed,
// which MarshalJSON enforces.
type Event struct {
	Type       Type           `json:"type"`
	Timestamp  float64        `json:"timestamp"`
	EventID    string         `json:"event_id"`
	UserID     string         `json:"user_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	AgentName  string         `json:"agent_name,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Results    map[string]any `json:"results,omitempty"`
	Message    string         `json:"message,omitempty"`
	Status     string         `json:"status,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// New returns an envelope of the given type with a fresh event id and the
// current timestamp.
func New(t Type) Event {
	return Event{
		Type:      t,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		EventID:   ids.NewPrefixed("evt"),
	}
}

func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	if e.Type != TypeToolCompleted {
		return json.Marshal(alias(e))
	}

	// tool_completed clients key off the literal "results" field, so it is
	// emitted even when null.
	type toolCompleted struct {
		alias
		Results map[string]any `json:"results"`
	}
	return json.Marshal(toolCompleted{alias: alias(e), Results: e.Results})
}

// Clone returns a deep copy; mutations on the copy's maps are invisible to
// the original.
func (e Event) Clone() Event {
	out := e
	out.Data = cloneMap(e.Data)
	out.Results = cloneMap(e.Results)
	out.Metadata = cloneMap(e.Metadata)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
