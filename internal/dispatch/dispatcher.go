package dispatch

import (
	"context"
	"log"
	"time"

	"chatstack.local/projects/agent-bridge/internal/event"
	"chatstack.local/projects/agent-bridge/internal/subscribers"
)

// Dispatcher fans events out to the subscriber plane with bounded retries.
// Each subscriber is handled on its own goroutine so a slow sink never
// stalls event delivery.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
}

func New(logger *log.Logger, subs []subscribers.Subscriber) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) {
	for _, sub := range d.subscribers {
		s := sub
		go d.dispatchOne(ctx, s, ev)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, ev event.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, ev)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s event_id=%s attempt=%d err=%v", sub.Name(), ev.EventID, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
