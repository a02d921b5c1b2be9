package subscribers

import (
	"context"

	"chatstack.local/projects/agent-bridge/internal/event"
)

// Subscriber receives a copy of every event emitted through the bridge, off
// the delivery hot path.
type Subscriber interface {
	Name() string
	Handle(context.Context, event.Event) error
}
