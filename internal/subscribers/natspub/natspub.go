package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"

	"chatstack.local/projects/agent-bridge/internal/event"
)

const defaultSubjectPrefix = "bridge.events"

// Publisher forwards the event stream to NATS, one subject per event type,
// so other platform services can consume it without touching the websocket
// plane.
type Publisher struct {
	name          string
	conn          *nats.Conn
	logger        *log.Logger
	subjectPrefix string
}

type Option func(*Publisher)

// WithSubjectPrefix overrides the "bridge.events" subject root.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
		if prefix != "" {
			p.subjectPrefix = prefix
		}
	}
}

// Connect dials the NATS server and returns a publisher over it.
func Connect(url string, logger *log.Logger, opts ...Option) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("agent-bridge"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return New(conn, logger, opts...), nil
}

// New wraps an existing connection.
func New(conn *nats.Conn, logger *log.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		name:          "nats",
		conn:          conn,
		logger:        logger,
		subjectPrefix: defaultSubjectPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Publisher) Name() string {
	return p.name
}

func (p *Publisher) Handle(_ context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}

	subject := p.subjectPrefix + "." + string(ev.Type)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Drain(); err != nil {
			p.logger.Printf("nats drain error: %v", err)
		}
	}
}
