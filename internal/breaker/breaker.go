package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors the underlying breaker state on the wire/API surface.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen classifies fail-fast rejections, distinct from a generic
// dependency failure. Callers pick fallback behavior off this.
var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError reports which dependency's breaker rejected the call.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, call rejected", e.Name)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config tunes one named breaker.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	RecoveryTimeout time.Duration
	// Timeout bounds each guarded call; a timeout is recorded as a failure.
	Timeout time.Duration
	// AdaptiveThreshold additionally trips on failure ratio once enough
	// requests have been seen, so bursty mixed traffic opens earlier than
	// the consecutive count alone would.
	AdaptiveThreshold bool
	// MinRequests and FailureRatio apply only when AdaptiveThreshold is on.
	MinRequests  uint32
	FailureRatio float64
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.AdaptiveThreshold {
		if c.MinRequests == 0 {
			c.MinRequests = 10
		}
		if c.FailureRatio <= 0 {
			c.FailureRatio = 0.6
		}
	}
	return c
}

// Counts is a snapshot of one breaker's call statistics.
type Counts struct {
	SuccessfulCalls      uint32
	FailedCalls          uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards one named downstream dependency. State and counting live
// in a sony/gobreaker core; Reset swaps in a fresh core, which forces
// closed and zeroes every counter.
type Breaker struct {
	name   string
	config Config

	onStateChange func(name string, from, to State)

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker

	metricsMu            sync.Mutex
	totalSuccesses       uint64
	totalFailures        uint64
	lastFailure          string
	totalSuccessDuration time.Duration
	totalFailureDuration time.Duration
}

func newBreaker(name string, config Config, onStateChange func(name string, from, to State)) *Breaker {
	b := &Breaker{
		name:          name,
		config:        config.withDefaults(),
		onStateChange: onStateChange,
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	return b
}

func (b *Breaker) settings() gobreaker.Settings {
	config := b.config
	return gobreaker.Settings{
		Name: b.name,
		// A single trial call is allowed through in half-open.
		MaxRequests: 1,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= config.FailureThreshold {
				return true
			}
			if !config.AdaptiveThreshold || counts.Requests < config.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.onStateChange != nil {
				b.onStateChange(b.name, convertState(from), convertState(to))
			}
		},
	}
}

func (b *Breaker) core() *gobreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.config }

func (b *Breaker) State() State {
	return convertState(b.core().State())
}

func (b *Breaker) IsOpen() bool   { return b.State() == StateOpen }
func (b *Breaker) IsClosed() bool { return b.State() == StateClosed }

// CanExecute reports whether a call would be allowed through right now.
// The transition from open to half-open happens on this check once the
// recovery timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	return b.State() != StateOpen
}

func (b *Breaker) Counts() Counts {
	counts := b.core().Counts()
	return Counts{
		SuccessfulCalls:      counts.TotalSuccesses,
		FailedCalls:          counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Call runs op through the breaker. An open breaker rejects with OpenError
// without attempting the operation. The configured Timeout bounds the call;
// a timeout is recorded as a failure. Durations feed the breaker metrics.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	start := time.Now()
	result, err := b.core().Execute(func() (any, error) {
		return b.runBounded(ctx, op)
	})
	duration := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &OpenError{Name: b.name}
	}
	if err != nil {
		b.observeFailure(duration, err)
		return nil, err
	}
	b.observeSuccess(duration)
	return result, nil
}

func (b *Breaker) runBounded(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	callCtx := ctx
	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(callCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		// The operation may still be running; its result is discarded.
		return nil, fmt.Errorf("%s call aborted after %v: %w", b.name, b.config.Timeout, callCtx.Err())
	}
}

// RecordSuccess feeds one out-of-band success into the breaker state.
func (b *Breaker) RecordSuccess(duration time.Duration) {
	_, _ = b.core().Execute(func() (any, error) { return nil, nil })
	b.observeSuccess(duration)
}

// RecordFailure feeds one out-of-band failure into the breaker state. While
// the breaker is open this is a no-op on the trip counters.
func (b *Breaker) RecordFailure(duration time.Duration, cause error) {
	if cause == nil {
		cause = errors.New("failure")
	}
	_, _ = b.core().Execute(func() (any, error) { return nil, cause })
	b.observeFailure(duration, cause)
}

// Reset forces the breaker closed and zeroes every counter by swapping in
// a fresh core with the same configuration.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	b.mu.Unlock()

	b.metricsMu.Lock()
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.lastFailure = ""
	b.totalSuccessDuration = 0
	b.totalFailureDuration = 0
	b.metricsMu.Unlock()
}

// Metrics is the cumulative, reset-scoped view of the breaker including
// call durations, which the state core does not track.
type Metrics struct {
	Name                 string
	State                State
	Counts               Counts
	TotalSuccesses       uint64
	TotalFailures        uint64
	LastFailure          string
	TotalSuccessDuration time.Duration
	TotalFailureDuration time.Duration
}

func (b *Breaker) Metrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return Metrics{
		Name:                 b.name,
		State:                b.State(),
		Counts:               b.Counts(),
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		LastFailure:          b.lastFailure,
		TotalSuccessDuration: b.totalSuccessDuration,
		TotalFailureDuration: b.totalFailureDuration,
	}
}

func (b *Breaker) observeSuccess(duration time.Duration) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	b.totalSuccesses++
	b.totalSuccessDuration += duration
}

func (b *Breaker) observeFailure(duration time.Duration, cause error) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	b.totalFailures++
	b.lastFailure = cause.Error()
	b.totalFailureDuration += duration
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
