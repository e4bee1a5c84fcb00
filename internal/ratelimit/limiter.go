// Package ratelimit provides per-client token-bucket admission control.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPerMinute is the default sustained admission rate per client.
	DefaultPerMinute = 60
	// DefaultIdleAge is how long an untouched, fully refilled bucket
	// survives before a sweep reclaims it.
	DefaultIdleAge = time.Hour
)

// Config controls the token-bucket parameters.
type Config struct {
	// PerMinute is the sustained refill rate; tokens accrue continuously
	// at PerMinute/60 per second.
	PerMinute float64
	// Burst caps the bucket; a fresh client may spend this many tokens
	// instantaneously. Defaults to PerMinute.
	Burst int
	// Enabled turns admission control on. When false every request is
	// admitted.
	Enabled bool
	// Clock overrides the time source, for tests. Defaults to time.Now.
	Clock func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client key. Buckets are created lazily
// on first sight of a key and are independent of each other.
type Limiter struct {
	mu        sync.Mutex
	perSecond rate.Limit
	burst     int
	enabled   bool
	now       func() time.Time
	buckets   map[string]*bucket
}

// New creates a limiter from cfg, applying defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}

	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.PerMinute)
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Limiter{
		perSecond: rate.Limit(cfg.PerMinute / 60.0),
		burst:     cfg.Burst,
		enabled:   cfg.Enabled,
		now:       cfg.Clock,
		buckets:   make(map[string]*bucket),
	}
}

// Allow attempts to take one token from the client's bucket. On denial it
// reports how long the caller should wait before retrying, derived from the
// current token deficit and the refill rate.
func (l *Limiter) Allow(clientKey string) (bool, time.Duration) {
	if !l.enabled {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	entry, ok := l.buckets[clientKey]
	if !ok {
		entry = &bucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[clientKey] = entry
	}

	entry.lastSeen = now

	reservation := entry.lim.ReserveN(now, 1)
	if !reservation.OK() {
		return false, rate.InfDuration
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		// Not admitted; hand the token back so the deficit is not
		// double-counted.
		reservation.CancelAt(now)

		return false, delay
	}

	return true, 0
}

// Sweep drops buckets that have been idle for at least idleAge and are fully
// refilled, bounding memory for one-off clients. It returns the number of
// buckets removed.
func (l *Limiter) Sweep(idleAge time.Duration) int {
	if idleAge <= 0 {
		idleAge = DefaultIdleAge
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0

	for key, entry := range l.buckets {
		if now.Sub(entry.lastSeen) < idleAge {
			continue
		}

		if entry.lim.TokensAt(now) < float64(l.burst) {
			continue
		}

		delete(l.buckets, key)

		removed++
	}

	return removed
}

// Size reports the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}
