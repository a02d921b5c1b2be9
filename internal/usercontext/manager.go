package usercontext

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// AuditRecord is one append-only audit trail entry for a context.
type AuditRecord struct {
	EventType string
	Timestamp time.Time
	Metadata  map[string]any
}

// AuditSink receives a copy of every audit record, e.g. for durable
// compliance storage. Sinks must not block; failures are logged and do not
// affect the context lifecycle.
type AuditSink interface {
	Append(ctx context.Context, key string, record AuditRecord) error
}

// Manager is the registry of isolated user contexts. Mutations are
// serialized per key so operations on one user's context never block
// another's.
type Manager struct {
	logger *log.Logger
	sink   AuditSink

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex

	contexts sync.Map // key -> *Context
	audits   sync.Map // key -> *auditTrail
}

type auditTrail struct {
	mu      sync.Mutex
	records []AuditRecord
}

type ManagerOption func(*Manager)

// WithAuditSink attaches a durable audit sink.
func WithAuditSink(sink AuditSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

func NewManager(logger *log.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.keyLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.keyLocks[key] = l
	return l
}

// CreateIsolatedContext validates the identifiers, registers a fresh
// context keyed by (user_id, request_id), and records a "created" audit
// event.
func (m *Manager) CreateIsolatedContext(userID, requestID, threadID, runID string) (*Context, error) {
	for _, field := range []struct{ name, value string }{
		{"user_id", userID},
		{"request_id", requestID},
		{"thread_id", threadID},
		{"run_id", runID},
	} {
		if strings.TrimSpace(field.value) == "" {
			return nil, &InvalidContextError{Field: field.name, Reason: "must be non-empty"}
		}
	}

	key := contextKey(userID, requestID)
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	uc := newContext(m, userID, requestID, threadID, runID)
	m.contexts.Store(key, uc)
	m.appendAudit(key, "created", map[string]any{
		"user_id":    userID,
		"request_id": requestID,
		"thread_id":  threadID,
		"run_id":     runID,
	})
	m.logger.Printf("context created key=%s thread_id=%s run_id=%s", key, threadID, runID)
	return uc, nil
}

// ValidateContext re-checks the required identity fields. It never mutates
// the context.
func (m *Manager) ValidateContext(uc *Context) (*Context, error) {
	if uc == nil {
		return nil, &InvalidContextError{Field: "context", Reason: "is nil"}
	}
	for _, field := range []struct{ name, value string }{
		{"user_id", uc.userID},
		{"request_id", uc.requestID},
		{"thread_id", uc.threadID},
		{"run_id", uc.runID},
	} {
		if strings.TrimSpace(field.value) == "" {
			return nil, &InvalidContextError{Field: field.name, Reason: "must be non-empty"}
		}
	}
	return uc, nil
}

// GetContext returns the registered context for the given key.
func (m *Manager) GetContext(key string) (*Context, error) {
	v, ok := m.contexts.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Context), nil
}

// CleanupContext empties the context's data bag, releases external handles,
// removes it from the registry, and records a "cleaned" audit event.
func (m *Manager) CleanupContext(key string) error {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	v, ok := m.contexts.LoadAndDelete(key)
	if !ok {
		return ErrNotFound
	}
	v.(*Context).clear()
	m.appendAudit(key, "cleaned", nil)
	m.logger.Printf("context cleaned key=%s", key)
	return nil
}

// CleanupAllContexts removes every registered context and returns the count
// cleaned.
func (m *Manager) CleanupAllContexts() int {
	keys := make([]string, 0)
	m.contexts.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})

	cleaned := 0
	for _, key := range keys {
		if err := m.CleanupContext(key); err == nil {
			cleaned++
		}
	}
	return cleaned
}

// ActiveCount returns the number of registered contexts.
func (m *Manager) ActiveCount() int {
	count := 0
	m.contexts.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// GetAuditTrail returns a copy of the append-only audit trail for one key.
// Entries for other keys are never exposed.
func (m *Manager) GetAuditTrail(key string) []AuditRecord {
	v, ok := m.audits.Load(key)
	if !ok {
		return nil
	}
	trail := v.(*auditTrail)
	trail.mu.Lock()
	defer trail.mu.Unlock()
	out := make([]AuditRecord, len(trail.records))
	copy(out, trail.records)
	return out
}

func (m *Manager) appendAudit(key, eventType string, metadata map[string]any) {
	record := AuditRecord{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	v, _ := m.audits.LoadOrStore(key, &auditTrail{})
	trail := v.(*auditTrail)
	trail.mu.Lock()
	trail.records = append(trail.records, record)
	trail.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.Append(context.Background(), key, record); err != nil {
			m.logger.Printf("audit sink append failed key=%s event=%s err=%v", key, eventType, err)
		}
	}
}

// findAliasedBag reports the key of another registered context whose
// storage is the same map object, or "" when none is.
func (m *Manager) findAliasedBag(self *Context, bag map[string]any) string {
	aliasedBy := ""
	m.contexts.Range(func(k, v any) bool {
		other := v.(*Context)
		if other == self {
			return true
		}
		if other.sameBag(bag) {
			aliasedBy = k.(string)
			return false
		}
		return true
	})
	return aliasedBy
}
