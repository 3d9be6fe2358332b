// Package dedup tracks in-flight and recently completed processing of
// inbound media so the same item is never processed concurrently or
// twice within the processing timeout.
package dedup

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultProcessingTimeout is how long any entry may live, measured
	// from the moment it was first claimed.
	DefaultProcessingTimeout = 10 * time.Minute

	// DefaultCleanupInterval is the sweep cadence. Half the timeout keeps
	// the worst-case lifetime of an entry under 1.5x the timeout.
	DefaultCleanupInterval = DefaultProcessingTimeout / 2
)

// State is the processing state of a cache entry.
type State int

const (
	Processing State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a claim attempt.
type Outcome int

const (
	// Claimed means the caller now owns processing and must release.
	Claimed Outcome = iota
	// AlreadyInProgress means another caller is processing the key.
	AlreadyInProgress
	// AlreadyCompleted means the key finished within the timeout.
	AlreadyCompleted
	// PreviouslyFailed means the key failed and failed entries are retained.
	PreviouslyFailed
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyInProgress:
		return "in_progress"
	case AlreadyCompleted:
		return "already_completed"
	case PreviouslyFailed:
		return "previously_failed"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of one tracked media key.
type Entry struct {
	Key         string
	State       State
	EnqueuedAt  time.Time
	CompletedAt time.Time // zero while Processing
}

// Age returns how long ago the entry was first claimed.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries    int    `json:"entries"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Claims     uint64 `json:"claims"`
	Duplicates uint64 `json:"duplicates"`
	Sweeps     uint64 `json:"sweeps"`
	Evicted    uint64 `json:"evicted"`
}

// Cache is the media deduplication cache. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	timeout        time.Duration
	interval       time.Duration
	dedupCompleted bool
	retainFailed   bool
	now            func() time.Time
	newTicker      func(time.Duration) Ticker
	logger         *slog.Logger

	// counters, guarded by mu
	claims     uint64
	duplicates uint64
	sweeps     uint64
	evicted    uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithProcessingTimeout sets the maximum age of any entry.
func WithProcessingTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.timeout = d
	}
}

// WithCleanupInterval sets how often the sweeper runs.
// Defaults to half the processing timeout.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.interval = d
	}
}

// WithDedupCompleted controls whether completed entries block
// reprocessing until they expire. Enabled by default.
func WithDedupCompleted(enabled bool) Option {
	return func(c *Cache) {
		c.dedupCompleted = enabled
	}
}

// WithRetainFailed keeps failed entries until they expire instead of
// removing them on release, so claims report PreviouslyFailed.
func WithRetainFailed(enabled bool) Option {
	return func(c *Cache) {
		c.retainFailed = enabled
	}
}

// WithNow sets the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithTicker sets the ticker factory used by the sweeper.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(c *Cache) {
		c.newTicker = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache. Defaults: 10m timeout, sweep every timeout/2.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[string]*Entry),
		timeout:        DefaultProcessingTimeout,
		dedupCompleted: true,
		now:            time.Now,
		newTicker:      newRealTicker,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultProcessingTimeout
	}
	if c.interval <= 0 {
		c.interval = c.timeout / 2
	}
	return c
}

// Timeout returns the configured processing timeout.
func (c *Cache) Timeout() time.Duration {
	return c.timeout
}

// Interval returns the configured cleanup interval.
func (c *Cache) Interval() time.Duration {
	return c.interval
}

// expired reports whether an entry has reached the timeout.
func (c *Cache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.EnqueuedAt) >= c.timeout
}

// TryClaim attempts to reserve processing rights for key. Only a Claimed
// outcome obliges the caller to Release. Keys must be non-empty.
func (c *Cache) TryClaim(key string) Outcome {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !c.expired(e, now) {
		switch e.State {
		case Processing:
			c.duplicates++
			return AlreadyInProgress
		case Completed:
			if c.dedupCompleted {
				c.duplicates++
				return AlreadyCompleted
			}
		case Failed:
			c.duplicates++
			return PreviouslyFailed
		}
	}

	c.entries[key] = &Entry{Key: key, State: Processing, EnqueuedAt: now}
	c.claims++
	return Claimed
}

// Release records the result of a claimed processing attempt. A Completed
// entry stays until it expires; a Failed entry is removed immediately
// unless failed retention is enabled. It returns false when key is not
// currently Processing.
func (c *Cache) Release(key string, state State) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.State != Processing {
		return false
	}

	switch state {
	case Completed:
		e.State = Completed
		e.CompletedAt = now
	case Failed:
		if !c.retainFailed {
			delete(c.entries, key)
			return true
		}
		e.State = Failed
		e.CompletedAt = now
	default:
		return false
	}
	return true
}

// Sweep removes every entry whose age has reached the timeout and returns
// how many were removed. The candidate scan runs under the read lock and
// each removal takes the write lock for a single delete.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.RLock()
	var candidates []*Entry
	for _, e := range c.entries {
		if c.expired(e, now) {
			candidates = append(candidates, e)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for _, cand := range candidates {
		c.mu.Lock()
		// The key may have been released or reclaimed since the snapshot.
		if cur, ok := c.entries[cand.Key]; ok && cur == cand && c.expired(cur, now) {
			delete(c.entries, cand.Key)
			removed++
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.sweeps++
	c.evicted += uint64(removed)
	c.mu.Unlock()

	return removed
}

// Get returns a copy of the entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns entry counts by state and lifetime counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Entries:    len(c.entries),
		Claims:     c.claims,
		Duplicates: c.duplicates,
		Sweeps:     c.sweeps,
		Evicted:    c.evicted,
	}
	for _, e := range c.entries {
		switch e.State {
		case Processing:
			s.Processing++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		}
	}
	return s
}
