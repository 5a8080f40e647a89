// Package conn owns the single realtime session of the current user: it
// authenticates, keeps the connection alive with a fixed-interval retry
// policy, fans out lifecycle notifications and republishes inbound frames
// on the bus. Nothing else in the process opens or closes the transport.
package conn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/reconnect"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

// Event names a lifecycle notification.
type Event string

const (
	EventConnect      Event = "connect"
	EventDisconnect   Event = "disconnect"
	EventError        Event = "error"
	EventConnectError Event = "connect_error"
)

// Notification is delivered to lifecycle handlers.
type Notification struct {
	Event Event
	State status.State
	Err   error
}

// Handler receives lifecycle notifications. It runs on the goroutine that
// caused the change and must not block.
type Handler func(Notification)

// FrameHandler receives every inbound frame that is not the ack of a
// pending request, in arrival order. It runs on the session's read
// goroutine and must return quickly; frames are never dropped for it.
type FrameHandler func(transport.Envelope)

// Credentials authenticate the realtime session.
type Credentials struct {
	Token string
}

// Config tunes the manager.
type Config struct {
	ReconnectInterval time.Duration
	MaxAttempts       int
}

// Diagnostics is a point-in-time snapshot of the connection.
type Diagnostics struct {
	Identity          string
	State             status.State
	Detail            status.Detail
	StateSince        time.Time
	ConnectedAt       time.Time
	Failures          int
	MaxAttempts       int
	ReconnectInterval time.Duration
	AuthHalted        bool
	LastError         string
	PendingRequests   int
	Handlers          int
}

type ackResult struct {
	env transport.Envelope
	err error
}

// Manager is the connection manager.
type Manager struct {
	dialer  transport.Dialer
	bus     *bus.Bus
	machine *status.Machine
	policy  *reconnect.Policy
	clock   clockwork.Clock
	logger  *zap.Logger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	loopOnce sync.Once
	loopDone chan struct{}
	noLoop   bool

	mu                sync.Mutex
	identity          string
	token             string
	conn              transport.Conn
	connecting        bool
	attemptGen        uint64
	connectedAt       time.Time
	authHalted        bool
	exhaustedReported bool
	lastErr           error
	closed            bool
	pending           map[string]chan ackResult

	hmu      sync.Mutex
	handlers map[Event]map[int]Handler
	frames   map[int]FrameHandler
	nextH    int
}

// NewManager creates a manager. clock and logger may be nil.
func NewManager(d transport.Dialer, b *bus.Bus, m *status.Machine, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	policy := reconnect.New(cfg.ReconnectInterval, cfg.MaxAttempts)
	cfg.ReconnectInterval = policy.Interval()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = reconnect.DefaultMaxAttempts
	}
	return &Manager{
		dialer:   d,
		bus:      b,
		machine:  m,
		policy:   policy,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		pending:  make(map[string]chan ackResult),
		handlers: make(map[Event]map[int]Handler),
		frames:   make(map[int]FrameHandler),
	}
}

// Initialize authenticates identity and opens the session. An empty
// identity is taken from the token claims. Transport failures are not
// returned: the state reports them and the background loop keeps trying.
// Credential problems return an *AuthError.
func (m *Manager) Initialize(ctx context.Context, identity string, creds Credentials) (status.State, error) {
	if creds.Token == "" {
		return m.machine.Current(), &AuthError{Reason: "missing token"}
	}
	if identity == "" {
		id, err := IdentityFromToken(creds.Token)
		if err != nil {
			return m.machine.Current(), &AuthError{Reason: "no identity", Err: err}
		}
		identity = id
	}
	if !ValidIdentity(identity) {
		return m.machine.Current(), &AuthError{Reason: fmt.Sprintf("invalid identity %q", identity)}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return status.Disconnected, ErrClosed
	}
	if m.identity == identity && m.token == creds.Token && m.conn != nil {
		m.mu.Unlock()
		return status.Connected, nil
	}
	if m.identity != "" && m.identity != identity {
		m.logger.Info("identity changed, tearing down session",
			zap.String("from", m.identity), zap.String("to", identity))
		m.teardownLocked()
	} else if m.connecting && m.token != creds.Token {
		m.supersedeLocked()
	}
	m.identity = identity
	m.token = creds.Token
	m.authHalted = false
	m.exhaustedReported = false
	m.mu.Unlock()

	m.policy.Reset()
	m.startLoop()

	err := m.attempt(ctx)
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return m.machine.Current(), err
	}
	return m.machine.Current(), nil
}

// Identity returns the authenticated user id, empty before Initialize.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// IsConnected reports whether a live session exists.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// On registers handler for event and returns its unsubscribe function.
func (m *Manager) On(event Event, handler Handler) func() {
	m.hmu.Lock()
	id := m.nextH
	m.nextH++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = handler
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			delete(m.handlers[event], id)
			m.hmu.Unlock()
		})
	}
}

// OnFrame registers a frame handler and returns its unsubscribe function.
func (m *Manager) OnFrame(h FrameHandler) func() {
	m.hmu.Lock()
	id := m.nextH
	m.nextH++
	m.frames[id] = h
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			delete(m.frames, id)
			m.hmu.Unlock()
		})
	}
}

func (m *Manager) emit(n Notification) {
	m.hmu.Lock()
	hs := make([]Handler, 0, len(m.handlers[n.Event]))
	for _, h := range m.handlers[n.Event] {
		hs = append(hs, h)
	}
	m.hmu.Unlock()

	for _, h := range hs {
		m.callHandler(h, n)
	}
}

func (m *Manager) callHandler(h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle handler panicked",
				zap.String("event", string(n.Event)), zap.Any("panic", r))
		}
	}()
	h(n)
}

// Reconnect forces an attempt now, bypassing the interval and the retry
// ceiling. It is a no-op while connected or while an attempt is running.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.identity == "" {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.authHalted = false
	m.mu.Unlock()

	m.policy.ForceAttempt()
	return m.attempt(ctx)
}

// Resume is called when the app regains visibility or focus. If the user is
// authenticated but the session is down it reconnects immediately.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.identity == "" || m.conn != nil || m.connecting || m.authHalted {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.logger.Debug("resume: reconnecting")
	m.policy.ForceAttempt()
	return m.attempt(ctx)
}

// attempt runs one connection attempt. Concurrent callers collapse onto the
// attempt already in flight. An attempt superseded by a credential change
// or logout while dialing discards its outcome.
func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.identity == "" {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.attemptGen++
	gen := m.attemptGen
	identity, token := m.identity, m.token
	m.transitionLocked(status.Connecting)
	m.mu.Unlock()

	// The schedule counts from the start of an attempt.
	started := m.clock.Now()
	c, err := m.dialer.Dial(ctx, identity, token)

	if err != nil {
		return m.attemptFailed(gen, started, err)
	}

	m.mu.Lock()
	if m.closed || gen != m.attemptGen {
		m.mu.Unlock()
		m.logger.Debug("discarding superseded connection", zap.String("identity", identity))
		_ = c.Close()
		return nil
	}
	m.policy.RecordAttempt(started, true)
	m.connecting = false
	m.conn = c
	m.connectedAt = m.clock.Now()
	m.lastErr = nil
	m.exhaustedReported = false
	m.transitionLocked(status.Connected)
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("identity", identity))
	go m.pump(c)
	m.emit(Notification{Event: EventConnect, State: status.Connected})
	return nil
}

func (m *Manager) attemptFailed(gen uint64, started time.Time, err error) error {
	auth := errors.Is(err, transport.ErrUnauthorized)
	if auth {
		err = &AuthError{Reason: "rejected by server", Err: err}
	}

	m.mu.Lock()
	if m.closed || gen != m.attemptGen {
		m.mu.Unlock()
		m.logger.Debug("superseded attempt failed", zap.Error(err))
		return nil
	}
	m.policy.RecordAttempt(started, false)
	failures := m.policy.Failures()
	m.connecting = false
	m.lastErr = err
	if auth {
		m.authHalted = true
	}
	if err := m.machine.Fail(failures, err.Error()); err != nil {
		m.logger.Debug("state transition rejected", zap.Error(err))
	}
	reportExhausted := !auth && m.policy.Exhausted() && !m.exhaustedReported
	if reportExhausted {
		m.exhaustedReported = true
	}
	m.mu.Unlock()

	m.logger.Warn("connection attempt failed",
		zap.Int("attempt", failures), zap.Bool("auth", auth), zap.Error(err))
	m.emit(Notification{Event: EventConnectError, State: status.Error, Err: err})
	if auth {
		m.emit(Notification{Event: EventError, State: status.Error, Err: err})
	}
	if reportExhausted {
		m.logger.Error("giving up automatic reconnection",
			zap.Int("attempts", failures), zap.Duration("interval", m.cfg.ReconnectInterval))
		m.emit(Notification{Event: EventError, State: status.Error, Err: ErrRetriesExhausted})
	}
	return err
}

func (m *Manager) transitionLocked(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition rejected", zap.Error(err))
	}
}

// pump hands inbound frames to the frame handlers and republishes them on
// the bus until the session ends.
func (m *Manager) pump(c transport.Conn) {
	for env := range c.Events() {
		if env.Type == transport.EventAck && env.RequestID != "" && m.deliverAck(env) {
			continue
		}
		m.dispatchFrame(env)
		m.bus.Publish(bus.NewEvent(bus.KindTransportPrefix+env.Type, env))
	}
	<-c.Done()
	m.dropped(c, c.Err())
}

func (m *Manager) dispatchFrame(env transport.Envelope) {
	m.hmu.Lock()
	ids := make([]int, 0, len(m.frames))
	for id := range m.frames {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	hs := make([]FrameHandler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, m.frames[id])
	}
	m.hmu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("frame handler panicked",
						zap.String("type", env.Type), zap.Any("panic", r))
				}
			}()
			h(env)
		}()
	}
}

func (m *Manager) deliverAck(env transport.Envelope) bool {
	m.mu.Lock()
	ch, ok := m.pending[env.RequestID]
	if ok {
		delete(m.pending, env.RequestID)
	}
	m.mu.Unlock()
	if ok {
		ch <- ackResult{env: env}
	}
	return ok
}

func (m *Manager) dropped(c transport.Conn, cause error) {
	m.mu.Lock()
	if m.conn != c {
		// Torn down on purpose.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastErr = cause
	m.failPendingLocked(ErrNotConnected)
	m.transitionLocked(status.Disconnected)
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.Error(cause))
	m.emit(Notification{Event: EventDisconnect, State: status.Disconnected, Err: cause})
}

func (m *Manager) failPendingLocked(err error) {
	for id, ch := range m.pending {
		ch <- ackResult{err: err}
		delete(m.pending, id)
	}
}

func (m *Manager) startLoop() {
	if m.noLoop {
		return
	}
	m.loopOnce.Do(func() {
		// Created before the first attempt so ticks line up with it.
		ticker := m.clock.NewTicker(m.cfg.ReconnectInterval)
		go m.loop(ticker)
	})
}

func (m *Manager) loop(ticker clockwork.Ticker) {
	defer close(m.loopDone)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.tick(m.ctx)
		}
	}
}

// tick runs one scheduled check: attempt when disconnected and the policy
// allows it.
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	idle := m.closed || m.identity == "" || m.conn != nil || m.connecting || m.authHalted
	m.mu.Unlock()
	if idle {
		return
	}
	if !m.policy.ShouldAttempt(m.clock.Now()) {
		return
	}
	_ = m.attempt(ctx)
}

// Send writes one frame on the live session.
func (m *Manager) Send(ctx context.Context, env transport.Envelope) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Request sends env and waits for the ack carrying the same request id.
// A request id is generated when env has none.
func (m *Manager) Request(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	ch := make(chan ackResult, 1)

	m.mu.Lock()
	c := m.conn
	if c == nil {
		m.mu.Unlock()
		return transport.Envelope{}, ErrNotConnected
	}
	m.pending[env.RequestID] = ch
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.pending, env.RequestID)
		m.mu.Unlock()
	}

	if err := c.Send(ctx, env); err != nil {
		cleanup()
		return transport.Envelope{}, fmt.Errorf("send %s: %w", env.Type, err)
	}

	select {
	case res := <-ch:
		return res.env, res.err
	case <-ctx.Done():
		cleanup()
		return transport.Envelope{}, fmt.Errorf("await ack for %s: %w", env.Type, ctx.Err())
	}
}

// Diagnostics returns a snapshot of the connection.
func (m *Manager) Diagnostics() Diagnostics {
	state, detail, since := m.machine.Snapshot()

	m.mu.Lock()
	d := Diagnostics{
		Identity:          m.identity,
		State:             state,
		Detail:            detail,
		StateSince:        since,
		ConnectedAt:       m.connectedAt,
		Failures:          m.policy.Failures(),
		MaxAttempts:       m.cfg.MaxAttempts,
		ReconnectInterval: m.cfg.ReconnectInterval,
		AuthHalted:        m.authHalted,
		PendingRequests:   len(m.pending),
	}
	if m.lastErr != nil {
		d.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	m.hmu.Lock()
	for _, hs := range m.handlers {
		d.Handlers += len(hs)
	}
	d.Handlers += len(m.frames)
	m.hmu.Unlock()
	return d
}

// Logout closes the session and forgets the credentials.
func (m *Manager) Logout() {
	m.mu.Lock()
	had := m.conn != nil
	m.teardownLocked()
	m.identity = ""
	m.token = ""
	m.mu.Unlock()

	m.policy.Reset()
	if had {
		m.emit(Notification{Event: EventDisconnect, State: status.Disconnected})
	}
}

func (m *Manager) teardownLocked() {
	if m.conn != nil {
		c := m.conn
		m.conn = nil
		if err := c.Close(); err != nil {
			m.logger.Debug("close transport", zap.Error(err))
		}
	}
	m.supersedeLocked()
	m.failPendingLocked(ErrNotConnected)
	m.connectedAt = time.Time{}
	m.transitionLocked(status.Disconnected)
}

// supersedeLocked detaches an attempt in flight so the next attempt dials
// with the current credentials.
func (m *Manager) supersedeLocked() {
	if m.connecting {
		m.attemptGen++
		m.connecting = false
	}
}

// Close logs out and stops the background loop. The manager cannot be
// reused afterwards.
func (m *Manager) Close() error {
	m.Logout()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	// Never started: mark the loop as done ourselves.
	m.loopOnce.Do(func() { close(m.loopDone) })
	<-m.loopDone
	return nil
}
