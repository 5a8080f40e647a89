// Package reconnect implements the fixed-interval reconnection policy used by
// the connection manager. It has no timers of its own: the caller asks
// ShouldAttempt on every tick and reports the outcome with RecordAttempt.
package reconnect

import (
	"sync"
	"time"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy decides when the next reconnection attempt may run.
type Policy struct {
	mu          sync.Mutex
	interval    time.Duration
	maxAttempts int
	failures    int
	lastAttempt time.Time
	forced      bool
}

// New creates a policy allowing one scheduled attempt per interval and at
// most maxAttempts consecutive failures. Zero values select the defaults.
func New(interval time.Duration, maxAttempts int) *Policy {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{interval: interval, maxAttempts: maxAttempts}
}

// ShouldAttempt reports whether an attempt may start at now. A forced
// attempt is always allowed; scheduled ones need the interval to have
// elapsed since the previous attempt started and the failure ceiling not
// reached. Ticks arriving up to a tenth of the interval early still count
// as elapsed.
func (p *Policy) ShouldAttempt(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forced {
		return true
	}
	if p.failures >= p.maxAttempts {
		return false
	}
	return p.lastAttempt.IsZero() || now.Sub(p.lastAttempt) >= p.interval-p.interval/10
}

// RecordAttempt reports the outcome of an attempt that started at now.
// Success resets the failure counter.
func (p *Policy) RecordAttempt(now time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = false
	p.lastAttempt = now
	if ok {
		p.failures = 0
		return
	}
	p.failures++
}

// ForceAttempt lets the next ShouldAttempt return true regardless of the
// interval and ceiling. Used by manual reconnects and visibility resume.
func (p *Policy) ForceAttempt() {
	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
}

// Exhausted reports whether the failure ceiling was reached.
func (p *Policy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures >= p.maxAttempts
}

// Failures returns the number of consecutive failed attempts.
func (p *Policy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Interval returns the scheduling interval.
func (p *Policy) Interval() time.Duration { return p.interval }

// Reset clears all counters.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.failures = 0
	p.lastAttempt = time.Time{}
	p.forced = false
	p.mu.Unlock()
}
