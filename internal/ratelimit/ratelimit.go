// Package ratelimit provides per-(identity, operation) token buckets.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"keyprint/internal/clock"
)

// Rule is a sustained rate and burst for one operation.
type Rule struct {
	// PerMinute is the sustained number of operations per minute.
	PerMinute float64 `toml:"per_minute" json:"per_minute" yaml:"per_minute"`
	Burst     int     `toml:"burst" json:"burst" yaml:"burst"`
}

func (r Rule) limit() rate.Limit {
	return rate.Limit(r.PerMinute / 60)
}

// Validate rejects rules that would deny everything by accident.
func (r Rule) Validate() error {
	if r.PerMinute <= 0 {
		return fmt.Errorf("ratelimit: per_minute must be positive, got %v", r.PerMinute)
	}
	if r.Burst < 1 {
		return fmt.Errorf("ratelimit: burst must be at least 1, got %d", r.Burst)
	}
	return nil
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Keyed keeps one bucket per identity and operation. Operations without
// a rule use the fallback rule.
type Keyed struct {
	mu       sync.Mutex
	rules    map[string]Rule
	fallback Rule
	buckets  map[string]*bucket
	clock    clock.Clock
	idle     time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures a Keyed limiter.
type Option func(*Keyed)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(k *Keyed) { k.clock = c }
}

// WithRule sets the rule for one operation.
func WithRule(op string, r Rule) Option {
	return func(k *Keyed) { k.rules[op] = r }
}

// WithIdle sets how long an untouched bucket is kept.
func WithIdle(d time.Duration) Option {
	return func(k *Keyed) { k.idle = d }
}

// New returns a limiter using fallback for unknown operations.
func New(fallback Rule, opts ...Option) *Keyed {
	k := &Keyed{
		rules:    make(map[string]Rule),
		fallback: fallback,
		buckets:  make(map[string]*bucket),
		clock:    clock.Real(),
		idle:     10 * time.Minute,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func key(identity, op string) string {
	return op + "\x00" + identity
}

func (k *Keyed) ruleFor(op string) Rule {
	if r, ok := k.rules[op]; ok {
		return r
	}
	return k.fallback
}

func (k *Keyed) bucketLocked(identity, op string, now time.Time) *bucket {
	id := key(identity, op)
	b, ok := k.buckets[id]
	if !ok {
		r := k.ruleFor(op)
		b = &bucket{lim: rate.NewLimiter(r.limit(), r.Burst)}
		k.buckets[id] = b
	}
	b.lastSeen = now
	return b
}

// IsAllowed consumes one token for identity performing op.
func (k *Keyed) IsAllowed(identity, op string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock.Now()
	return k.bucketLocked(identity, op, now).lim.AllowN(now, 1)
}

// Reset forgets all state for identity performing op, refilling its
// bucket.
func (k *Keyed) Reset(identity, op string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.buckets, key(identity, op))
}

// Len returns the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Sweep drops buckets idle for longer than the idle period. It returns
// how many were removed.
func (k *Keyed) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock.Now()
	removed := 0
	for id, b := range k.buckets {
		if now.Sub(b.lastSeen) > k.idle {
			delete(k.buckets, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps idle buckets every interval until Close.
func (k *Keyed) StartJanitor(interval time.Duration) {
	k.mu.Lock()
	if k.stop != nil {
		k.mu.Unlock()
		return
	}
	k.stop = make(chan struct{})
	k.done = make(chan struct{})
	k.mu.Unlock()

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				k.Sweep()
			case <-k.stop:
				return
			}
		}
	}()
}

// Close stops the janitor if one is running.
func (k *Keyed) Close() error {
	k.once.Do(func() {
		k.mu.Lock()
		stop, done := k.stop, k.done
		k.mu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}
	})
	return nil
}

// Unlimited allows everything. The CLI uses it for local operator runs.
type Unlimited struct{}

// IsAllowed always returns true.
func (Unlimited) IsAllowed(identity, op string) bool { return true }
