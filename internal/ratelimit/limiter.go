// Package ratelimit paces bursts of probe transactions so a warm-up does
// not flood a recovering node's mempool.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than a fixed rate. It never bursts:
// a caller that falls behind schedule proceeds at once but the next
// permit is still one interval later.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// New creates a Limiter issuing ratePerSec permits per second.
// A non-positive rate returns nil, which never waits.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	return &Limiter{
		next:     time.Now(),
		interval: time.Duration(float64(time.Second) / ratePerSec),
	}
}

// Wait blocks until the next permit or until ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	permit := l.next
	l.next = permit.Add(l.interval)
	l.mu.Unlock()

	d := time.Until(permit)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the spacing between permits, zero for an unpaced limiter.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
