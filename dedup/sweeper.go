package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/contaspt/media-ingest/telemetry"
)

// Ticker delivers sweep ticks. *time.Ticker satisfies it through
// newRealTicker; tests inject a channel they control.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func newRealTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Sweeper runs Cache.Sweep on a fixed interval until stopped.
type Sweeper struct {
	cache *Cache

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the cache.
func NewSweeper(c *Cache) *Sweeper {
	return &Sweeper{
		cache:  c,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine. Calling Start more than
// once, or after Stop, does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		s.run(ctx)
	}()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Run blocks, sweeping on every tick, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	c := s.cache
	ticker := c.newTicker(c.interval)
	defer ticker.Stop()

	c.logger.Debug("dedup sweeper started", "interval", c.interval, "timeout", c.timeout)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("dedup sweeper stopped")
			return
		case <-s.stopCh:
			c.logger.Debug("dedup sweeper stopped")
			return
		case <-ticker.C():
			s.SweepNow(ctx)
		}
	}
}

// SweepNow runs one sweep against the cache clock and returns the number
// of entries removed.
func (s *Sweeper) SweepNow(ctx context.Context) int {
	start := time.Now()
	removed := s.cache.Sweep(s.cache.now())
	telemetry.RecordReaperCycle(ctx, "dedup", removed, time.Since(start))

	stats := s.cache.Stats()
	telemetry.UpdateDedupEntries(ctx, stats.Processing, stats.Completed, stats.Failed)

	if removed > 0 {
		s.cache.logger.Info("dedup cache swept", "removed", removed, "remaining", stats.Entries)
	}
	return removed
}
