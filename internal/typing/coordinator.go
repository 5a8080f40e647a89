// Package typing throttles outbound typing signals and keeps remote typing
// flags that expire on their own.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatcore/internal/bus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultExpiry   = 3 * time.Second
	DefaultDebounce = 300 * time.Millisecond
)

// Emitter sends a typing signal to counterpartID.
type Emitter interface {
	EmitTyping(ctx context.Context, counterpartID string, isTyping bool) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, counterpartID string, isTyping bool) error

func (f EmitterFunc) EmitTyping(ctx context.Context, counterpartID string, isTyping bool) error {
	return f(ctx, counterpartID, isTyping)
}

// Change is the payload of typing.changed.
type Change struct {
	CounterpartID string
	IsTyping      bool
}

type remote struct {
	last  time.Time
	timer clockwork.Timer
}

// Coordinator is the typing coordinator.
type Coordinator struct {
	emitter  Emitter
	bus      *bus.Bus
	clock    clockwork.Clock
	logger   *zap.Logger
	expiry   time.Duration
	debounce time.Duration

	mu       sync.Mutex
	remotes  map[string]*remote
	limiters map[string]*rate.Limiter
	closed   bool
}

// New creates a coordinator. Zero durations select the defaults; clock and
// logger may be nil.
func New(e Emitter, b *bus.Bus, expiry, debounce time.Duration, clock clockwork.Clock, logger *zap.Logger) *Coordinator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		emitter:  e,
		bus:      b,
		clock:    clock,
		logger:   logger,
		expiry:   expiry,
		debounce: debounce,
		remotes:  make(map[string]*remote),
		limiters: make(map[string]*rate.Limiter),
	}
}

// NotifyLocalTyping signals that the user is typing to counterpartID.
// Calls inside the debounce window collapse into the first one. It reports
// whether a signal was emitted.
func (c *Coordinator) NotifyLocalTyping(ctx context.Context, counterpartID string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, nil
	}
	lim, ok := c.limiters[counterpartID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.debounce), 1)
		c.limiters[counterpartID] = lim
	}
	allowed := lim.AllowN(c.clock.Now(), 1)
	c.mu.Unlock()

	if !allowed {
		return false, nil
	}
	if err := c.emitter.EmitTyping(ctx, counterpartID, true); err != nil {
		return false, err
	}
	return true, nil
}

// NotifyLocalStopped tells counterpartID the user stopped typing. It is not
// throttled and resets the debounce window.
func (c *Coordinator) NotifyLocalStopped(ctx context.Context, counterpartID string) error {
	c.mu.Lock()
	delete(c.limiters, counterpartID)
	c.mu.Unlock()
	return c.emitter.EmitTyping(ctx, counterpartID, false)
}

// OnRemoteTyping records a typing signal from counterpartID. The flag stays
// set until expiry passes without another signal; each signal restarts the
// same timer. Expiry is measured from local receipt, so at is informational.
func (c *Coordinator) OnRemoteTyping(counterpartID string, at time.Time) {
	now := c.clock.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	r, ok := c.remotes[counterpartID]
	wasTyping := ok && now.Sub(r.last) < c.expiry
	if !ok {
		r = &remote{}
		c.remotes[counterpartID] = r
	}
	r.last = now
	if r.timer == nil {
		r.timer = c.clock.AfterFunc(c.expiry, func() { c.expire(counterpartID) })
	} else {
		r.timer.Reset(c.expiry)
	}
	c.mu.Unlock()

	if !wasTyping {
		c.logger.Debug("remote typing", zap.String("counterpart", counterpartID), zap.Time("sent_at", at))
		c.publish(Change{CounterpartID: counterpartID, IsTyping: true})
	}
}

// OnRemoteStopped clears the flag of counterpartID immediately.
func (c *Coordinator) OnRemoteStopped(counterpartID string) {
	now := c.clock.Now()

	c.mu.Lock()
	r, ok := c.remotes[counterpartID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasTyping := now.Sub(r.last) < c.expiry
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(c.remotes, counterpartID)
	c.mu.Unlock()

	if wasTyping {
		c.publish(Change{CounterpartID: counterpartID, IsTyping: false})
	}
}

func (c *Coordinator) expire(counterpartID string) {
	now := c.clock.Now()

	c.mu.Lock()
	r, ok := c.remotes[counterpartID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if left := c.expiry - now.Sub(r.last); left > 0 {
		// Refreshed after the timer fired.
		r.timer.Reset(left)
		c.mu.Unlock()
		return
	}
	delete(c.remotes, counterpartID)
	c.mu.Unlock()

	c.publish(Change{CounterpartID: counterpartID, IsTyping: false})
}

// IsTyping reports whether counterpartID is typing now.
func (c *Coordinator) IsTyping(counterpartID string) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[counterpartID]
	return ok && now.Sub(r.last) < c.expiry
}

// Snapshot returns the counterparts currently typing.
func (c *Coordinator) Snapshot() map[string]bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.remotes))
	for id, r := range c.remotes {
		if now.Sub(r.last) < c.expiry {
			out[id] = true
		}
	}
	return out
}

// Reset drops every flag and debounce window.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	for id, r := range c.remotes {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(c.remotes, id)
	}
	c.limiters = make(map[string]*rate.Limiter)
	c.mu.Unlock()
}

// Close stops all timers. Later signals are ignored.
func (c *Coordinator) Close() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Coordinator) publish(ch Change) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(bus.KindTypingChanged, ch))
	}
}
