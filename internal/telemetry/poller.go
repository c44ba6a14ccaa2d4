package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/huskar/internal/watch"
)

// Observable is the method set a Poller needs to sample. longpoll.Loop,
// filecache.Loop and treewatch.Backend have it structurally; the
// ioloop.Backend interface lacks IsRunning, so pkg/huskar adapts a Manager.
// Defined locally rather than imported so telemetry depends only on
// internal/watch, not on which backend package happens to be active.
type Observable interface {
	Configs() *watch.Entity
	Switches() *watch.Entity
	Services() *watch.Entity
	IsConnected() bool
	IsRunning() bool
}

// Poller periodically samples an Observable's connection state and
// watch-set sizes into a Collector. Calling Provider again every tick
// (rather than caching the Observable once) lets it track the active
// backend through an ioloop.Manager promotion without any special-casing.
type Poller struct {
	collector *Collector
	interval  time.Duration
	provider  func() Observable

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	running bool
}

// NewPoller builds a Poller that samples provider() every interval.
func NewPoller(collector *Collector, interval time.Duration, provider func() Observable) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{collector: collector, interval: interval, provider: provider}
}

// Start begins sampling in a background goroutine. Calling Start twice
// without an intervening Stop is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts sampling and waits for the background goroutine to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.doneCh
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	backend := p.provider()
	if backend == nil {
		return
	}

	name := fmt.Sprintf("%T", backend)
	connected := 0.0
	if backend.IsConnected() {
		connected = 1.0
	}
	running := 0.0
	if backend.IsRunning() {
		running = 1.0
	}
	p.collector.backendConnected.WithLabelValues(name).Set(connected)
	p.collector.backendRunning.WithLabelValues(name).Set(running)

	p.collector.watchSetSize.WithLabelValues(string(watch.KindConfig)).Set(watchSetCount(backend.Configs()))
	p.collector.watchSetSize.WithLabelValues(string(watch.KindSwitch)).Set(watchSetCount(backend.Switches()))
	p.collector.watchSetSize.WithLabelValues(string(watch.KindService)).Set(watchSetCount(backend.Services()))
}

func watchSetCount(e *watch.Entity) float64 {
	count := 0
	for _, clusters := range e.WatchSet() {
		count += len(clusters)
	}
	return float64(count)
}
