package logging

import (
	"context"
	"log"

	"chatstack.local/projects/agent-bridge/internal/event"
)

// Subscriber logs every event it sees. Useful as a default observability
// sink and in tests.
type Subscriber struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Subscriber {
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, ev event.Event) error {
	s.logger.Printf("event type=%s event_id=%s user_id=%s run_id=%s tool=%s", ev.Type, ev.EventID, ev.UserID, ev.RunID, ev.ToolName)
	return nil
}
