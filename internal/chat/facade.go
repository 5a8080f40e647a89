// Package chat is the single integration surface of the messaging core. It
// composes the connection manager, message store, conversation index and
// typing coordinator, routes inbound transport events to them and runs the
// send pipeline.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/conversations"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/messages"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/transport"
	"github.com/matheus3301/chatcore/internal/typing"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultSendTimeout = 5 * time.Second

var (
	ErrNotInitialized       = errors.New("chat: not initialized")
	ErrNoActiveConversation = errors.New("chat: no active conversation")
	ErrNotConnected         = errors.New("chat: not connected")
)

// SendError reports a message that could not be delivered on any path.
// The message is left in the store with status failed.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Connection is the subset of the connection manager the facade uses.
type Connection interface {
	Initialize(ctx context.Context, identity string, creds conn.Credentials) (status.State, error)
	On(event conn.Event, h conn.Handler) func()
	OnFrame(h conn.FrameHandler) func()
	Reconnect(ctx context.Context) error
	Resume(ctx context.Context) error
	Send(ctx context.Context, env transport.Envelope) error
	Request(ctx context.Context, env transport.Envelope) (transport.Envelope, error)
	Identity() string
	IsConnected() bool
	Diagnostics() conn.Diagnostics
	Logout()
}

// API is the REST collaborator.
type API interface {
	conversations.Fetcher
	SendMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	Upload(ctx context.Context, name, mimeType string, r io.Reader) (domain.FileMeta, error)
}

// Config tunes the facade and the components it builds.
type Config struct {
	DuplicateWindow time.Duration
	TypingExpiry    time.Duration
	TypingDebounce  time.Duration
	SendTimeout     time.Duration
	PageSize        int
}

// Diagnostics is a snapshot for status bars and debugging.
type Diagnostics struct {
	Connection     conn.Diagnostics
	Initialized    bool
	Self           string
	Active         string
	Conversations  int
	ActiveMessages int
	Typing         []string
	Subscriptions  int
}

// Facade is the chat facade.
type Facade struct {
	conn   Connection
	api    API
	bus    *bus.Bus
	store  *messages.Store
	index  *conversations.Index
	typing *typing.Coordinator
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    Config

	ctx       context.Context
	cancel    context.CancelFunc
	subs      bus.Registry
	inbox     inbox
	done      chan struct{}
	bg        sync.WaitGroup
	refreshes singleflight.Group

	mu          sync.RWMutex
	self        string
	initialized bool
}

// New builds the facade and its components and starts routing inbound
// events. clock and logger may be nil.
func New(c Connection, api API, b *bus.Bus, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Facade {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	store := messages.New(b, cfg.DuplicateWindow, clock, logger.Named("messages"))
	f := &Facade{
		conn:   c,
		api:    api,
		bus:    b,
		store:  store,
		index:  conversations.New(api, store, b, cfg.PageSize, logger.Named("conversations")),
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	f.typing = typing.New(typing.EmitterFunc(f.emitTyping), b, cfg.TypingExpiry, cfg.TypingDebounce, clock, logger.Named("typing"))
	f.ctx, f.cancel = context.WithCancel(context.Background())

	f.inbox.ready = make(chan struct{}, 1)
	f.subs.Add(c.OnFrame(f.inbox.push))
	f.subs.Add(c.On(conn.EventConnect, f.onConnect))
	f.subs.Add(c.On(conn.EventDisconnect, func(n conn.Notification) {
		f.logger.Info("realtime session down, history stays readable", zap.Error(n.Err))
	}))
	f.subs.Add(c.On(conn.EventError, func(n conn.Notification) {
		f.logger.Warn("connection error", zap.Error(n.Err))
	}))

	go f.route()
	return f
}

// Initialize authenticates the user and loads the conversation list. A
// different identity than before starts from empty state.
func (f *Facade) Initialize(ctx context.Context, identity, token string) (status.State, error) {
	f.mu.Lock()
	f.initialized = false
	f.mu.Unlock()

	state, err := f.conn.Initialize(ctx, identity, conn.Credentials{Token: token})
	if err != nil {
		return state, fmt.Errorf("initialize: %w", err)
	}

	self := f.conn.Identity()
	f.mu.Lock()
	if f.self != "" && f.self != self {
		f.store.ResetAll()
		f.index.Reset()
		f.typing.Reset()
	}
	f.self = self
	f.initialized = true
	f.mu.Unlock()

	if err := f.index.Refresh(ctx); err != nil {
		f.logger.Warn("initial conversation load failed", zap.Error(err))
	}
	return state, nil
}

func (f *Facade) identity() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.self, f.initialized
}

// Conversations returns the sorted conversation list.
func (f *Facade) Conversations() []domain.Conversation {
	return f.index.Conversations()
}

// Active returns the active counterpart id.
func (f *Facade) Active() string {
	return f.index.Active()
}

// SetActiveConversation opens the conversation with counterpartID. When
// another switch supersedes this one before its first page arrives it
// returns nil without marking anything read.
func (f *Facade) SetActiveConversation(ctx context.Context, counterpartID string) error {
	self, ok := f.identity()
	if !ok {
		return ErrNotInitialized
	}
	if err := f.index.SetActive(ctx, counterpartID); err != nil {
		if errors.Is(err, conversations.ErrStaleResponse) {
			// A newer switch took over; its caller owns the outcome.
			return nil
		}
		return err
	}
	if counterpartID != "" {
		f.store.MarkRead(f.unreadFrom(self, counterpartID))
	}
	return nil
}

// LoadMoreMessages loads the next history page of the active conversation.
func (f *Facade) LoadMoreMessages(ctx context.Context) (conversations.PageLoaded, error) {
	if _, ok := f.identity(); !ok {
		return conversations.PageLoaded{}, ErrNotInitialized
	}
	return f.index.LoadMore(ctx)
}

// Page returns the pagination state of counterpartID.
func (f *Facade) Page(counterpartID string) conversations.PageState {
	return f.index.Page(counterpartID)
}

// Messages returns the ordered messages exchanged with counterpartID.
func (f *Facade) Messages(counterpartID string) []domain.Message {
	self, _ := f.identity()
	return f.store.Messages(domain.ConversationKey(self, counterpartID))
}

// SendMessage sends to the active conversation. It fails fast when there is
// no active conversation or no live session. A second identical send within
// the duplicate window returns the first message without resending. If both
// the realtime and the REST path fail the message is marked failed and a
// *SendError is returned; it is never retried automatically.
func (f *Facade) SendMessage(ctx context.Context, content string, typ domain.MessageType, file *domain.FileMeta) (domain.Message, error) {
	self, ok := f.identity()
	if !ok {
		return domain.Message{}, ErrNotInitialized
	}
	active := f.index.Active()
	if active == "" {
		return domain.Message{}, ErrNoActiveConversation
	}
	if !f.conn.IsConnected() {
		return domain.Message{}, ErrNotConnected
	}
	if typ == "" {
		typ = domain.TypeText
	}
	draft := domain.Message{
		SenderID:    self,
		RecipientID: active,
		Content:     content,
		Type:        typ,
		File:        file,
	}
	if dup, found := f.store.FindRecentDuplicate(draft); found {
		f.logger.Debug("suppressed duplicate send", zap.Stringer("id", dup.ID))
		return dup, nil
	}

	m, err := f.store.AppendOptimistic(draft)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	if err := f.index.UpsertFromMessage(ctx, m, self, active); err != nil {
		f.logger.Warn("conversation update failed", zap.Error(err))
	}
	return f.deliver(ctx, m)
}

// RetryMessage resends a failed message.
func (f *Facade) RetryMessage(ctx context.Context, tempID string) (domain.Message, error) {
	if _, ok := f.identity(); !ok {
		return domain.Message{}, ErrNotInitialized
	}
	if !f.conn.IsConnected() {
		return domain.Message{}, ErrNotConnected
	}
	m, err := f.store.Retry(tempID)
	if err != nil {
		return domain.Message{}, err
	}
	return f.deliver(ctx, m)
}

// SendFile uploads r and sends it as a file message.
func (f *Facade) SendFile(ctx context.Context, name, mimeType string, r io.Reader) (domain.Message, error) {
	if _, ok := f.identity(); !ok {
		return domain.Message{}, ErrNotInitialized
	}
	if f.index.Active() == "" {
		return domain.Message{}, ErrNoActiveConversation
	}
	if !f.conn.IsConnected() {
		return domain.Message{}, ErrNotConnected
	}
	meta, err := f.api.Upload(ctx, name, mimeType, r)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send file: %w", err)
	}
	return f.SendMessage(ctx, meta.Name, domain.TypeFile, &meta)
}

// deliver pushes a pending message over the realtime session, falls back to
// REST and settles the store entry either way.
func (f *Facade) deliver(ctx context.Context, m domain.Message) (domain.Message, error) {
	tempID, _ := m.ID.TempID()
	self, _ := f.identity()

	confirmed, rtErr := f.sendRealtime(ctx, m)
	if rtErr != nil {
		f.logger.Info("realtime send failed, falling back to REST",
			zap.String("temp_id", tempID), zap.Error(rtErr))
		var restErr error
		confirmed, restErr = f.api.SendMessage(ctx, m)
		if restErr != nil {
			sendErr := &SendError{TempID: tempID, Err: errors.Join(rtErr, restErr)}
			failed, err := f.store.MarkFailed(tempID, sendErr.Err.Error())
			if err != nil {
				f.logger.Warn("mark failed", zap.String("temp_id", tempID), zap.Error(err))
			} else {
				f.index.Touch(failed, self)
			}
			f.logger.Error("message not delivered", zap.String("temp_id", tempID), zap.Error(sendErr))
			return failed, sendErr
		}
	}
	if confirmed.Alias == "" {
		confirmed.Alias = tempID
	}
	stored, err := f.store.Reconcile(confirmed)
	if err != nil {
		return m, fmt.Errorf("reconcile %s: %w", tempID, err)
	}
	f.index.Touch(stored, self)
	return stored, nil
}

func (f *Facade) sendRealtime(ctx context.Context, m domain.Message) (domain.Message, error) {
	tempID, _ := m.ID.TempID()
	env, err := transport.NewEnvelope(transport.EventMessageSend, transport.FromDomain(m))
	if err != nil {
		return domain.Message{}, err
	}
	env.RequestID = tempID

	tctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
	defer cancel()
	reply, err := f.conn.Request(tctx, env)
	if err != nil {
		return domain.Message{}, err
	}
	var ack transport.AckPayload
	if err := reply.Decode(&ack); err != nil {
		return domain.Message{}, err
	}
	if !ack.OK {
		return domain.Message{}, fmt.Errorf("server rejected message: %s", ack.Error)
	}
	if ack.Message == nil || ack.Message.ID == "" {
		return domain.Message{}, errors.New("ack carries no message id")
	}
	return ack.Message.ToDomain(), nil
}

// SendTyping signals typing to the active conversation, throttled.
func (f *Facade) SendTyping(ctx context.Context) error {
	active := f.index.Active()
	if active == "" {
		return ErrNoActiveConversation
	}
	_, err := f.typing.NotifyLocalTyping(ctx, active)
	return err
}

func (f *Facade) emitTyping(ctx context.Context, counterpartID string, isTyping bool) error {
	env, err := transport.NewEnvelope(transport.EventTyping, transport.TypingPayload{
		To:       counterpartID,
		IsTyping: isTyping,
		At:       f.clock.Now(),
	})
	if err != nil {
		return err
	}
	return f.conn.Send(ctx, env)
}

// Typing reports whether counterpartID is typing.
func (f *Facade) Typing(counterpartID string) bool {
	return f.typing.IsTyping(counterpartID)
}

// MarkRead marks the messages received from counterpartID read, locally and
// on the server. An empty id means the active conversation.
func (f *Facade) MarkRead(ctx context.Context, counterpartID string) error {
	self, ok := f.identity()
	if !ok {
		return ErrNotInitialized
	}
	if counterpartID == "" {
		counterpartID = f.index.Active()
	}
	if counterpartID == "" {
		return ErrNoActiveConversation
	}
	ids := f.unreadFrom(self, counterpartID)
	f.store.MarkRead(ids)
	f.index.ClearUnread(counterpartID)
	if err := f.api.MarkRead(ctx, counterpartID, ids); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (f *Facade) unreadFrom(self, counterpartID string) []string {
	var ids []string
	for _, m := range f.store.Messages(domain.ConversationKey(self, counterpartID)) {
		if m.SenderID == counterpartID && m.Status != domain.StatusRead && m.ID.IsConfirmed() {
			ids = append(ids, m.ID.Value())
		}
	}
	return ids
}

// SendCallSignal forwards a call-control event to counterpartID.
func (f *Facade) SendCallSignal(ctx context.Context, eventType, counterpartID string, data json.RawMessage) error {
	if !transport.IsCallEvent(eventType) {
		return fmt.Errorf("not a call event: %q", eventType)
	}
	env, err := transport.NewEnvelope(eventType, transport.CallPayload{To: counterpartID, Data: data})
	if err != nil {
		return err
	}
	if err := f.conn.Send(ctx, env); err != nil {
		if errors.Is(err, conn.ErrNotConnected) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// Reconnect forces a connection attempt.
func (f *Facade) Reconnect(ctx context.Context) error {
	return f.conn.Reconnect(ctx)
}

// Resume is the visibility hook: reconnect now if the session is down.
func (f *Facade) Resume(ctx context.Context) error {
	return f.conn.Resume(ctx)
}

// Watch subscribes to facade events under namespace ("message.",
// "conversation.", "typing.", "connection.", "call.", or "" for all).
func (f *Facade) Watch(namespace string) (<-chan bus.Event, func()) {
	ch, unsub := f.bus.Subscribe(namespace, 128)
	return ch, unsub
}

// Diagnostics returns a snapshot of the core.
func (f *Facade) Diagnostics() Diagnostics {
	self, ok := f.identity()
	active := f.index.Active()
	d := Diagnostics{
		Connection:    f.conn.Diagnostics(),
		Initialized:   ok,
		Self:          self,
		Active:        active,
		Conversations: len(f.index.Conversations()),
		Subscriptions: f.bus.Len(),
	}
	if active != "" {
		d.ActiveMessages = f.store.Len(domain.ConversationKey(self, active))
	}
	for id := range f.typing.Snapshot() {
		d.Typing = append(d.Typing, id)
	}
	return d
}

// Logout ends the session and clears all state.
func (f *Facade) Logout() {
	f.conn.Logout()
	f.mu.Lock()
	f.self = ""
	f.initialized = false
	f.mu.Unlock()
	f.store.ResetAll()
	f.index.Reset()
	f.typing.Reset()
}

// Close stops routing and drops every subscription. The connection is
// closed by its owner.
func (f *Facade) Close() {
	f.cancel()
	f.subs.Dispose()
	<-f.done
	f.bg.Wait()
	f.typing.Close()
}

func (f *Facade) onConnect(conn.Notification) {
	if _, ok := f.identity(); !ok {
		// Initialize loads the list itself.
		return
	}
	go f.catchUp(f.ctx)
}

// catchUp reloads what may have been missed while disconnected. Store
// dedup makes it idempotent.
func (f *Facade) catchUp(ctx context.Context) {
	if err := f.index.Refresh(ctx); err != nil {
		f.logger.Warn("catch-up refresh failed", zap.Error(err))
	}
	active := f.index.Active()
	if active == "" {
		return
	}
	if _, err := f.index.LoadPage(ctx, active, 1, true); err != nil && !errors.Is(err, conversations.ErrStaleResponse) {
		f.logger.Warn("catch-up page load failed", zap.String("counterpart", active), zap.Error(err))
	}
}

// inbox queues inbound frames for the router without bound, so a slow
// handler delays frames but never loses them.
type inbox struct {
	mu    sync.Mutex
	queue []transport.Envelope
	ready chan struct{}
}

func (q *inbox) push(env transport.Envelope) {
	q.mu.Lock()
	q.queue = append(q.queue, env)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []transport.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queue
	q.queue = nil
	return out
}

func (f *Facade) route() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.inbox.ready:
			for _, env := range f.inbox.drain() {
				f.handle(env)
			}
		}
	}
}

// handle applies one inbound frame. A panic is logged and the router keeps
// going.
func (f *Facade) handle(env transport.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("inbound event handler panicked",
				zap.String("type", env.Type), zap.Any("panic", r))
		}
	}()

	var err error
	switch env.Type {
	case transport.EventMessageNew, transport.EventMessageReceived:
		err = f.onMessage(env)
	case transport.EventMessageUpdated:
		err = f.onMessageUpdated(env)
	case transport.EventMessageStatus:
		err = f.onStatus(env)
	case transport.EventUserTyping:
		err = f.onTyping(env)
	case transport.EventPresence:
		var p transport.PresencePayload
		if err = env.Decode(&p); err == nil {
			f.index.SetPresence(p.UserID, p.Online)
		}
	case transport.EventError:
		f.logger.Warn("server error event", zap.ByteString("payload", env.Payload))
	default:
		if transport.IsCallEvent(env.Type) {
			err = f.onCall(env)
		}
	}
	if err != nil {
		f.logger.Warn("dropping inbound event", zap.String("type", env.Type), zap.Error(err))
	}
}

func (f *Facade) onMessage(env transport.Envelope) error {
	self, ok := f.identity()
	if !ok {
		return ErrNotInitialized
	}
	var p transport.MessagePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	m := p.ToDomain()
	if m.SenderID != self && m.RecipientID != self {
		return fmt.Errorf("message %s is not for %s", p.ID, self)
	}
	active := f.index.Active()

	if m.SenderID == self {
		// Echo of our own send, possibly from another device.
		if !m.ID.IsConfirmed() {
			return nil
		}
		stored, err := f.store.Reconcile(m)
		if err != nil {
			return err
		}
		return f.fold(stored, self, active)
	}

	stored, inserted := f.store.UpsertIncoming(m)
	if !inserted {
		return nil
	}
	f.typing.OnRemoteStopped(m.SenderID)
	if err := f.fold(stored, self, active); err != nil {
		return err
	}
	if m.SenderID == active && stored.ID.IsConfirmed() {
		f.readAsYouGo(active, stored.ID.Value())
	}
	return nil
}

// fold adds an inbound message to the conversation list without waiting on
// the server. A counterpart the list did not know gets a placeholder right
// away and a background refresh fills in its details.
func (f *Facade) fold(m domain.Message, self, active string) error {
	known, err := f.index.Fold(m, self, active)
	if err != nil {
		return err
	}
	if !known {
		f.refreshInBackground(m.Counterpart(self))
	}
	return nil
}

// refreshInBackground reloads the conversation list off the router.
// Concurrent requests share one round trip.
func (f *Facade) refreshInBackground(counterpart string) {
	f.bg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("conversation refresh panicked", zap.Any("panic", r))
			}
		}()
		_, err, _ := f.refreshes.Do("conversations", func() (any, error) {
			return nil, f.index.Refresh(f.ctx)
		})
		if err != nil {
			f.logger.Warn("refresh for new counterpart failed",
				zap.String("counterpart", counterpart), zap.Error(err))
		}
	})
}

// readAsYouGo marks a message in the open conversation read.
func (f *Facade) readAsYouGo(counterpartID, id string) {
	f.store.MarkRead([]string{id})
	env, err := transport.NewEnvelope(transport.EventMessageRead, transport.ReadPayload{
		CounterpartID: counterpartID,
		IDs:           []string{id},
	})
	if err != nil {
		return
	}
	if err := f.conn.Send(f.ctx, env); err != nil {
		f.logger.Debug("read receipt not sent", zap.String("id", id), zap.Error(err))
	}
}

func (f *Facade) onMessageUpdated(env transport.Envelope) error {
	self, _ := f.identity()
	var p transport.MessagePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.ID == "" {
		return errors.New("update without message id")
	}
	stored, _ := f.store.UpsertIncoming(p.ToDomain())
	f.index.Touch(stored, self)
	return nil
}

func (f *Facade) onStatus(env transport.Envelope) error {
	self, _ := f.identity()
	var p transport.StatusPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	st := domain.Status(p.Status)
	if !st.Valid() || st == domain.StatusFailed {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	f.store.UpdateStatus(p.IDs, st)
	for _, id := range p.IDs {
		if m, ok := f.store.Lookup(id); ok {
			f.index.Touch(m, self)
		}
	}
	return nil
}

func (f *Facade) onTyping(env transport.Envelope) error {
	var p transport.TypingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.From == "" {
		return errors.New("typing signal without sender")
	}
	if p.IsTyping {
		f.typing.OnRemoteTyping(p.From, p.At)
	} else {
		f.typing.OnRemoteStopped(p.From)
	}
	return nil
}

func (f *Facade) onCall(env transport.Envelope) error {
	var p transport.CallPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return err
		}
	}
	kind := bus.KindCallPrefix + strings.TrimPrefix(env.Type, "call:")
	f.bus.Publish(bus.NewEvent(kind, p))
	return nil
}
