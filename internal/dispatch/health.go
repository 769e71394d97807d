package dispatch

import (
	"context"
	"sync"
	"time"
)

// HealthStatus is the cached result of the daemon status probe.
type HealthStatus struct {
	Ready   bool
	Status  string
	Message string
	Err     error
}

// StatusFunc probes daemon readiness. It may block; it is only ever called
// from the gate's background goroutine, never on the hook hot path.
type StatusFunc func(ctx context.Context) HealthStatus

// HealthGate polls a status function on an interval and serves the last
// result from memory. Handle() reads the cache only.
type HealthGate struct {
	probe    StatusFunc
	interval time.Duration

	mu     sync.RWMutex
	last   HealthStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthGate starts the polling loop. The initial state is ready so a
// slow first probe does not block hooks at startup.
func NewHealthGate(probe StatusFunc, interval time.Duration) *HealthGate {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &HealthGate{
		probe:    probe,
		interval: interval,
		last:     HealthStatus{Ready: true, Status: "starting"},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go g.loop(ctx)
	return g
}

func (g *HealthGate) loop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refresh(ctx)
		}
	}
}

func (g *HealthGate) refresh(ctx context.Context) {
	status := g.probe(ctx)
	g.mu.Lock()
	g.last = status
	g.mu.Unlock()
}

// Current returns the cached status without blocking.
func (g *HealthGate) Current() HealthStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// Shutdown stops the poller. No tick runs after Shutdown returns.
func (g *HealthGate) Shutdown() {
	g.cancel()
	<-g.done
}
