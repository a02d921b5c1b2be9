package breaker

import (
	"log"
	"sync"
	"time"
)

// StateChangeListener is notified when any managed breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// Manager is the registry owning all named breakers. Get-or-create is
// idempotent per name: concurrent callers always receive the same instance.
// Breakers for different names are fully independent; tripping one never
// alters another's state.
type Manager struct {
	logger *log.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker

	listenerMu sync.RWMutex
	listeners  []StateChangeListener
}

func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// NewManagerWithDefaults returns a manager with the standard named breakers
// for the platform's critical dependencies pre-registered.
func NewManagerWithDefaults(logger *log.Logger) *Manager {
	m := NewManager(logger)
	for name, config := range DefaultConfigs() {
		m.GetOrCreate(name, config)
	}
	return m
}

// DefaultConfigs holds the per-dependency breaker tuning. LLM calls are
// slow and expensive, so the threshold is generous; the cache is cheap to
// retry, so it trips late and recovers fast.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		"llm-service": {
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			Timeout:           60 * time.Second,
			AdaptiveThreshold: true,
			MinRequests:       10,
			FailureRatio:      0.5,
		},
		"database": {
			FailureThreshold: 3,
			RecoveryTimeout:  10 * time.Second,
			Timeout:          5 * time.Second,
		},
		"auth-service": {
			FailureThreshold: 3,
			RecoveryTimeout:  15 * time.Second,
			Timeout:          5 * time.Second,
		},
		"cache": {
			FailureThreshold: 10,
			RecoveryTimeout:  5 * time.Second,
			Timeout:          2 * time.Second,
		},
	}
}

// GetOrCreate returns the existing breaker for the name or creates one with
// the given config.
func (m *Manager) GetOrCreate(name string, config Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring the write lock.
	if b, ok = m.breakers[name]; ok {
		return b
	}

	b = newBreaker(name, config, m.handleStateChange)
	m.breakers[name] = b
	m.logger.Printf("circuit breaker created name=%s threshold=%d recovery=%v", name, b.config.FailureThreshold, b.config.RecoveryTimeout)
	return b
}

// Get returns the named breaker, if registered.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Reset forces the named breaker closed with zeroed counters.
func (m *Manager) Reset(name string) bool {
	b, ok := m.Get(name)
	if !ok {
		return false
	}
	b.Reset()
	m.logger.Printf("circuit breaker reset name=%s", name)
	return true
}

// ResetAll resets every registered breaker and returns the count.
func (m *Manager) ResetAll() int {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
	m.logger.Printf("circuit breakers reset count=%d", len(breakers))
	return len(breakers)
}

// IsHealthy reports whether the named breaker is closed. Unknown names are
// healthy by definition.
func (m *Manager) IsHealthy(name string) bool {
	b, ok := m.Get(name)
	if !ok {
		return true
	}
	return b.IsClosed()
}

// States returns a snapshot of every breaker's current state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}

// RegisterStateChangeListener adds a listener for breaker state changes.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(name string, from, to State) {
	m.logger.Printf("circuit breaker state change name=%s from=%s to=%s", name, from, to)

	m.listenerMu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, listener := range listeners {
		// Listeners run off the breaker's hot path and must not take it down.
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("state change listener panic name=%s err=%v", name, r)
				}
			}()
			l.OnStateChange(name, from, to)
		}(listener)
	}
}
