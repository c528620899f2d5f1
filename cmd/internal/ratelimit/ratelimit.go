// Package ratelimit provides sliding-window limiters used by the relay (per connection)
// and by the conversation synchronizer (typing throttle, per peer).
package ratelimit

import (
	"sync"
	"time"
)

// Defaults applied when a limiter is constructed with invalid inputs.
const (
	DefaultLimit  = 120
	DefaultWindow = 10 * time.Second
)

// Limiter is a sliding-window limiter.
type Limiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// New constructs a Limiter with safe defaults when inputs are invalid.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *Limiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// Keyed holds one Limiter per key, created lazily.
type Keyed struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]*Limiter
}

// NewKeyed constructs a Keyed limiter; every key gets limit events per window.
func NewKeyed(limit int, window time.Duration) *Keyed {
	return &Keyed{
		limit:  limit,
		window: window,
		byKey:  make(map[string]*Limiter),
	}
}

// Allow reports whether an event for key at time "now" should be permitted.
func (k *Keyed) Allow(key string, now time.Time) bool {
	k.mu.Lock()
	l := k.byKey[key]
	if l == nil {
		l = New(k.limit, k.window)
		k.byKey[key] = l
	}
	k.mu.Unlock()
	return l.Allow(now)
}

// Reset forgets every key.
func (k *Keyed) Reset() {
	k.mu.Lock()
	k.byKey = make(map[string]*Limiter)
	k.mu.Unlock()
}
