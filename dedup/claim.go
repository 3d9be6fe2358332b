package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotClaimed is returned by Do when the key could not be claimed.
// Use errors.As with *NotClaimedError to read the outcome.
var ErrNotClaimed = errors.New("media key not claimed")

// NotClaimedError carries the outcome of a failed claim.
type NotClaimedError struct {
	Key     string
	Outcome Outcome
}

func (e *NotClaimedError) Error() string {
	return fmt.Sprintf("media key %q not claimed: %s", e.Key, e.Outcome)
}

func (e *NotClaimedError) Unwrap() error {
	return ErrNotClaimed
}

// Guard owns a claimed key and releases it exactly once. Pair it with
// defer g.Close() so the key is released on every exit path.
type Guard struct {
	cache *Cache
	key   string

	mu    sync.Mutex
	state State
}

// Claim attempts to claim key. The guard is non-nil only when the
// outcome is Claimed.
func (c *Cache) Claim(key string) (*Guard, Outcome) {
	outcome := c.TryClaim(key)
	if outcome != Claimed {
		return nil, outcome
	}
	return &Guard{cache: c, key: key, state: Processing}, outcome
}

// Key returns the claimed media key.
func (g *Guard) Key() string {
	return g.key
}

// Complete releases the key as Completed.
func (g *Guard) Complete() {
	g.release(Completed)
}

// Fail releases the key as Failed.
func (g *Guard) Fail() {
	g.release(Failed)
}

// Close releases the key as Failed unless Complete or Fail already ran.
func (g *Guard) Close() error {
	g.release(Failed)
	return nil
}

// Released reports the state the key was released with, or Processing
// if it has not been released yet. It is safe to call while another
// goroutine releases the guard.
func (g *Guard) Released() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// release records state and releases the key. Only the first call has
// any effect.
func (g *Guard) release(state State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Processing {
		return
	}
	g.state = state
	g.cache.Release(g.key, state)
}

// Do claims key, runs fn, and releases the key as Completed when fn
// returns nil or as Failed when it returns an error or panics. Panics
// are re-raised after release. When the key cannot be claimed Do
// returns a *NotClaimedError without calling fn.
func (c *Cache) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	g, outcome := c.Claim(key)
	if g == nil {
		return &NotClaimedError{Key: key, Outcome: outcome}
	}
	defer func() {
		if r := recover(); r != nil {
			g.Fail()
			panic(r)
		}
		if err != nil {
			g.Fail()
			return
		}
		g.Complete()
	}()

	return fn(ctx)
}
