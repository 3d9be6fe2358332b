package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTicker is a Ticker driven by the test.
type manualTicker struct {
	ch       chan time.Time
	interval time.Duration
	stopped  chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		ch:      make(chan time.Time),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { close(m.stopped) }

func TestSweeper(t *testing.T) {
	t.Run("sweeps on each tick", func(t *testing.T) {
		clock := newTestClock()
		start := clock.Now()
		ticker := newManualTicker()
		c := newTestCache(clock, WithTicker(func(d time.Duration) Ticker {
			ticker.interval = d
			return ticker
		}))
		require.Equal(t, Claimed, c.TryClaim("media-42"))

		s := NewSweeper(c)
		s.Start(context.Background())
		defer s.Stop()

		clock.Set(start.Add(300 * time.Second))
		ticker.ch <- clock.Now()
		clock.Set(start.Add(600 * time.Second))
		ticker.ch <- clock.Now()

		// a third tick is only accepted once the second sweep returned
		clock.Set(start.Add(650 * time.Second))
		ticker.ch <- clock.Now()

		assert.Equal(t, 300*time.Second, ticker.interval)
		assert.Equal(t, Claimed, c.TryClaim("media-42"))
	})

	t.Run("stop is idempotent and stops the ticker", func(t *testing.T) {
		ticker := newManualTicker()
		c := newTestCache(newTestClock(), WithTicker(func(time.Duration) Ticker { return ticker }))

		s := NewSweeper(c)
		s.Start(context.Background())
		s.Start(context.Background())
		s.Stop()
		s.Stop()

		select {
		case <-ticker.stopped:
		case <-time.After(time.Second):
			t.Fatal("ticker was not stopped")
		}
	})

	t.Run("stop before start does nothing", func(t *testing.T) {
		s := NewSweeper(newTestCache(newTestClock()))
		s.Stop()
	})

	t.Run("run stops on context cancel", func(t *testing.T) {
		ticker := newManualTicker()
		c := newTestCache(newTestClock(), WithTicker(func(time.Duration) Ticker { return ticker }))
		s := NewSweeper(c)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop on context cancel")
		}
	})

	t.Run("sweep now uses the cache clock", func(t *testing.T) {
		clock := newTestClock()
		c := newTestCache(clock)
		c.TryClaim("a")
		clock.Advance(601 * time.Second)

		s := NewSweeper(c)
		assert.Equal(t, 1, s.SweepNow(context.Background()))
		assert.Equal(t, 0, c.Len())
	})
}
