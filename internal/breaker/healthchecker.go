package breaker

import (
	"context"
	"log"
	"sync"
	"time"
)

// HealthCheckFunc probes one downstream dependency.
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker periodically probes dependencies whose breaker is not
// closed and resets the breaker once the probe succeeds, so recovery does
// not wait for live traffic. It also listens for state changes to schedule
// an immediate probe when a breaker opens.
type HealthChecker struct {
	manager      *Manager
	logger       *log.Logger
	interval     time.Duration
	checkTimeout time.Duration

	mu     sync.RWMutex
	probes map[string]HealthCheckFunc

	stopCh    chan struct{}
	immediate chan string
	wg        sync.WaitGroup
}

func NewHealthChecker(manager *Manager, logger *log.Logger, interval, checkTimeout time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if checkTimeout <= 0 {
		checkTimeout = 5 * time.Second
	}
	return &HealthChecker{
		manager:      manager,
		logger:       logger,
		interval:     interval,
		checkTimeout: checkTimeout,
		probes:       make(map[string]HealthCheckFunc),
		stopCh:       make(chan struct{}),
		immediate:    make(chan string, 16),
	}
}

// Register adds a dependency probe under the breaker's name.
func (hc *HealthChecker) Register(name string, probe HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes[name] = probe
}

// Start begins the probe loop.
func (hc *HealthChecker) Start() {
	hc.wg.Add(1)
	go hc.loop()
	hc.logger.Printf("health checker started interval=%v", hc.interval)
}

// Stop ends the probe loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	close(hc.stopCh)
	hc.wg.Wait()
}

// Status returns the breaker state per registered probe.
func (hc *HealthChecker) Status() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[string]string, len(hc.probes))
	for name := range hc.probes {
		if b, ok := hc.manager.Get(name); ok {
			out[name] = string(b.State())
			continue
		}
		out[name] = string(StateClosed)
	}
	return out
}

// OnStateChange implements StateChangeListener: a breaker opening schedules
// an immediate probe.
func (hc *HealthChecker) OnStateChange(name string, _, to State) {
	if to != StateOpen {
		return
	}
	select {
	case hc.immediate <- name:
	default:
		// Channel full; the interval tick will pick it up.
	}
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.checkAll()
		case name := <-hc.immediate:
			hc.checkOne(name)
		case <-hc.stopCh:
			return
		}
	}
}

func (hc *HealthChecker) checkAll() {
	hc.mu.RLock()
	probes := make(map[string]HealthCheckFunc, len(hc.probes))
	for name, probe := range hc.probes {
		probes[name] = probe
	}
	hc.mu.RUnlock()

	for name := range probes {
		hc.checkOne(name)
	}
}

func (hc *HealthChecker) checkOne(name string) {
	hc.mu.RLock()
	probe, ok := hc.probes[name]
	hc.mu.RUnlock()
	if !ok || hc.manager.IsHealthy(name) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := probe(ctx)
	cancel()

	if err != nil {
		hc.logger.Printf("dependency still unhealthy name=%s err=%v", name, err)
		return
	}
	hc.logger.Printf("dependency recovered name=%s, resetting breaker", name)
	hc.manager.Reset(name)
}
