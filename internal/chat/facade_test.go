package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/messages"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	facade  *Facade
	manager *conn.Manager
	dialer  *fakeDialer
	api     *fakeAPI
	bus     *bus.Bus
}

func newHarness(t *testing.T, d *fakeDialer, cfg Config) *harness {
	t.Helper()
	b := bus.New()
	api := &fakeAPI{
		convs: []domain.Conversation{{Counterpart: domain.User{ID: "bob", DisplayName: "Bob"}, CreatedAt: t0}},
		pages: map[string][]domain.Message{},
	}
	m := conn.NewManager(d, b, status.NewMachine(b), conn.Config{ReconnectInterval: time.Hour}, nil, nil)
	f := New(m, api, b, cfg, nil, nil)
	t.Cleanup(func() {
		f.Close()
		_ = m.Close()
	})
	return &harness{facade: f, manager: m, dialer: d, api: api, bus: b}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.facade.Initialize(ctx, "alice", "tok"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := h.facade.SetActiveConversation(ctx, "bob"); err != nil {
		t.Fatalf("SetActiveConversation() error = %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendConfirmedOverRealtime(t *testing.T) {
	d := &fakeDialer{configure: func(c *fakeConn) { c.setReply(ackWith("m_123")) }}
	h := newHarness(t, d, Config{})
	h.start(t)

	appended, unsub := h.facade.Watch(bus.KindMessageAppended)
	defer unsub()

	sent, err := h.facade.SendMessage(context.Background(), "hello", domain.TypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	select {
	case evt := <-appended:
		ch := evt.Payload.(messages.Change)
		if !ch.Message.ID.IsPending() || ch.Message.Status != domain.StatusPending {
			t.Errorf("appended = %+v, want pending entry", ch.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no appended event")
	}

	if sent.ID != domain.Confirmed("m_123") || sent.Status != domain.StatusSent {
		t.Fatalf("sent = %+v", sent)
	}
	msgs := h.facade.Messages("bob")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1: %+v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0].Alias, "tmp_") {
		t.Errorf("alias = %q, want retired temp id", msgs[0].Alias)
	}
	c := h.facade.Conversations()[0]
	if c.LastMessage == nil || c.LastMessage.ID != domain.Confirmed("m_123") {
		t.Errorf("conversation last message = %+v", c.LastMessage)
	}
	if sends, _ := h.api.counts(); sends != 0 {
		t.Errorf("REST sends = %d, want 0", sends)
	}
}

func TestOptimisticEntryVisibleBeforeAck(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDialer{configure: func(c *fakeConn) {
		c.setReply(func(env transport.Envelope) []transport.Envelope {
			<-release
			return ackWith("m_123")(env)
		})
	}}
	h := newHarness(t, d, Config{})
	h.start(t)

	done := make(chan domain.Message, 1)
	go func() {
		m, _ := h.facade.SendMessage(context.Background(), "hello", domain.TypeText, nil)
		done <- m
	}()

	eventually(t, "optimistic entry", func() bool { return len(h.facade.Messages("bob")) == 1 })
	if m := h.facade.Messages("bob")[0]; m.Status != domain.StatusPending || !m.ID.IsPending() {
		t.Fatalf("optimistic entry = %+v", m)
	}

	close(release)
	m := <-done
	if m.ID != domain.Confirmed("m_123") {
		t.Fatalf("confirmed = %+v", m)
	}
	if got := h.facade.Messages("bob"); len(got) != 1 || got[0].Status != domain.StatusSent {
		t.Errorf("after ack: %+v", got)
	}
}

func TestSendFailureIsSurfacedWithoutRetry(t *testing.T) {
	d := &fakeDialer{} // never acks
	h := newHarness(t, d, Config{SendTimeout: 50 * time.Millisecond})
	h.api.sendErr = errRESTDown
	h.start(t)

	m, err := h.facade.SendMessage(context.Background(), "hello", domain.TypeText, nil)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("SendMessage() error = %v, want *SendError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, errRESTDown) {
		t.Errorf("error does not carry both causes: %v", err)
	}
	if m.Status != domain.StatusFailed || m.FailReason == "" {
		t.Fatalf("returned message = %+v", m)
	}
	stored := h.facade.Messages("bob")
	if len(stored) != 1 || stored[0].Status != domain.StatusFailed || stored[0].FailReason == "" {
		t.Fatalf("stored = %+v", stored)
	}

	time.Sleep(150 * time.Millisecond)
	if n := h.dialer.last().sentOfType(transport.EventMessageSend); n != 1 {
		t.Errorf("realtime sends = %d, want 1", n)
	}
	if sends, _ := h.api.counts(); sends != 1 {
		t.Errorf("REST sends = %d, want 1", sends)
	}

	// A user retry goes through again.
	h.api.mu.Lock()
	h.api.sendErr = nil
	h.api.mu.Unlock()
	tmp, _ := stored[0].ID.TempID()
	retried, err := h.facade.RetryMessage(context.Background(), tmp)
	if err != nil {
		t.Fatalf("RetryMessage() error = %v", err)
	}
	if retried.ID != domain.Confirmed("rest_1") {
		t.Errorf("retried = %+v", retried)
	}
	if got := h.facade.Messages("bob"); len(got) != 1 {
		t.Errorf("messages after retry = %d, want 1", len(got))
	}
}

func TestSendFallsBackToREST(t *testing.T) {
	d := &fakeDialer{configure: func(c *fakeConn) {
		c.setReply(func(env transport.Envelope) []transport.Envelope {
			if env.Type != transport.EventMessageSend {
				return nil
			}
			nack, _ := transport.NewEnvelope(transport.EventAck, transport.AckPayload{OK: false, Error: "rate limited"})
			nack.RequestID = env.RequestID
			return []transport.Envelope{nack}
		})
	}}
	h := newHarness(t, d, Config{})
	h.start(t)

	m, err := h.facade.SendMessage(context.Background(), "hi", domain.TypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if m.ID != domain.Confirmed("rest_1") || m.Status != domain.StatusSent {
		t.Errorf("message = %+v", m)
	}
}

func TestSendGuards(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, &fakeDialer{}, Config{})
	if _, err := h.facade.SendMessage(ctx, "x", "", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("before Initialize: %v", err)
	}
	if _, err := h.facade.Initialize(ctx, "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.facade.SendMessage(ctx, "x", "", nil); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("no active conversation: %v", err)
	}

	down := newHarness(t, &fakeDialer{fail: errors.New("refused")}, Config{})
	if _, err := down.facade.Initialize(ctx, "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	_ = down.facade.SetActiveConversation(ctx, "bob")
	if _, err := down.facade.SendMessage(ctx, "x", "", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: %v", err)
	}
	if len(down.facade.Messages("bob")) != 0 {
		t.Error("a rejected send left an optimistic entry")
	}
}

func TestDuplicateSendIsSuppressed(t *testing.T) {
	d := &fakeDialer{configure: func(c *fakeConn) { c.setReply(ackWith("m_1")) }}
	h := newHarness(t, d, Config{})
	h.start(t)
	ctx := context.Background()

	first, err := h.facade.SendMessage(ctx, "hi", domain.TypeText, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.facade.SendMessage(ctx, "hi", domain.TypeText, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("second send returned %v, want %v", second.ID, first.ID)
	}
	if n := h.dialer.last().sentOfType(transport.EventMessageSend); n != 1 {
		t.Errorf("frames sent = %d, want 1", n)
	}
	if len(h.facade.Messages("bob")) != 1 {
		t.Errorf("messages = %d, want 1", len(h.facade.Messages("bob")))
	}
}

func TestInboundRouting(t *testing.T) {
	d := &fakeDialer{}
	h := newHarness(t, d, Config{})
	if _, err := h.facade.Initialize(context.Background(), "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	c := d.last()
	calls, unsub := h.facade.Watch(bus.KindCallPrefix)
	defer unsub()

	msg := transport.MessagePayload{ID: "m_1", SenderID: "bob", RecipientID: "alice", Content: "hey", Type: "text", CreatedAt: t0}
	c.push(transport.EventMessageNew, msg)
	c.push(transport.EventMessageReceived, msg)
	eventually(t, "incoming message", func() bool { return len(h.facade.Messages("bob")) == 1 })

	c.push(transport.EventUserTyping, transport.TypingPayload{From: "bob", IsTyping: true})
	c.push(transport.EventPresence, transport.PresencePayload{UserID: "bob", Online: true})
	c.push(transport.EventMessageStatus, transport.StatusPayload{IDs: []string{"m_1"}, Status: "delivered"})
	c.push(transport.EventCallInitiate, transport.CallPayload{From: "bob", To: "alice"})

	eventually(t, "typing flag", func() bool { return h.facade.Typing("bob") })
	eventually(t, "presence", func() bool { return h.facade.Conversations()[0].Online })
	eventually(t, "status update", func() bool { return h.facade.Messages("bob")[0].Status == domain.StatusDelivered })

	if got := h.facade.Messages("bob"); len(got) != 1 {
		t.Errorf("messages = %d, want 1 after duplicate push", len(got))
	}
	if conv := h.facade.Conversations()[0]; conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadCount)
	}

	select {
	case evt := <-calls:
		if evt.Kind != "call.initiate" {
			t.Errorf("call event kind = %q", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call signal not republished")
	}
}

func TestRouterSurvivesPanickingHandler(t *testing.T) {
	d := &fakeDialer{}
	h := newHarness(t, d, Config{})
	if _, err := h.facade.Initialize(context.Background(), "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	c := d.last()

	// A message from an unknown contact triggers a refresh, which panics.
	h.api.mu.Lock()
	h.api.panicOnList = true
	h.api.mu.Unlock()
	c.push(transport.EventMessageNew, transport.MessagePayload{ID: "m_x", SenderID: "zed", RecipientID: "alice", Content: "boom", CreatedAt: t0})

	c.push(transport.EventMessageNew, transport.MessagePayload{ID: "m_2", SenderID: "bob", RecipientID: "alice", Content: "still here", CreatedAt: t0})
	eventually(t, "message after panic", func() bool { return len(h.facade.Messages("bob")) == 1 })
}

func TestInboundBurstWhileNewContactLoads(t *testing.T) {
	d := &fakeDialer{}
	h := newHarness(t, d, Config{})
	if _, err := h.facade.Initialize(context.Background(), "alice", "tok"); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	h.api.mu.Lock()
	h.api.listGate = gate
	h.api.convs = append(h.api.convs, domain.Conversation{Counterpart: domain.User{ID: "carol", DisplayName: "Carol"}, CreatedAt: t0})
	h.api.mu.Unlock()

	c := d.last()
	c.push(transport.EventMessageNew, transport.MessagePayload{ID: "c_1", SenderID: "carol", RecipientID: "alice", Content: "hi", Type: "text", CreatedAt: t0})
	const burst = 400
	for i := 0; i < burst; i++ {
		c.push(transport.EventMessageNew, transport.MessagePayload{
			ID: fmt.Sprintf("b_%d", i), SenderID: "bob", RecipientID: "alice",
			Content: "spam", Type: "text", CreatedAt: t0.Add(time.Duration(i) * time.Millisecond),
		})
	}

	// The list is still loading and nothing was lost meanwhile.
	eventually(t, "whole burst", func() bool { return len(h.facade.Messages("bob")) == burst })
	if got := len(h.facade.Messages("carol")); got != 1 {
		t.Errorf("carol messages = %d, want 1", got)
	}
	for _, conv := range h.facade.Conversations() {
		if conv.Counterpart.ID == "bob" && conv.UnreadCount != burst {
			t.Errorf("bob unread = %d, want %d", conv.UnreadCount, burst)
		}
	}

	release()
	eventually(t, "carol listed by the server", func() bool {
		for _, conv := range h.facade.Conversations() {
			if conv.Counterpart.ID == "carol" {
				return conv.Counterpart.DisplayName == "Carol" && conv.LastMessage != nil
			}
		}
		return false
	})
}

func TestSupersededSwitchIsNotAnError(t *testing.T) {
	d := &fakeDialer{}
	h := newHarness(t, d, Config{})
	ctx := context.Background()
	if _, err := h.facade.Initialize(ctx, "alice", "tok"); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	h.api.mu.Lock()
	h.api.pageGates = map[string]chan struct{}{"bob": gate}
	h.api.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- h.facade.SetActiveConversation(ctx, "bob") }()
	eventually(t, "bob history loading", func() bool { return h.facade.Page("bob").Loading })

	if err := h.facade.SetActiveConversation(ctx, "carol"); err != nil {
		t.Fatalf("SetActiveConversation(carol) error = %v", err)
	}
	release()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("superseded SetActiveConversation(bob) error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first switch never returned")
	}
	if got := h.facade.Active(); got != "carol" {
		t.Errorf("active = %q, want carol", got)
	}
}

func TestResumeReconnectsAndCatchesUp(t *testing.T) {
	d := &fakeDialer{}
	h := newHarness(t, d, Config{})
	h.start(t)
	_, refreshesBefore := h.api.counts()

	d.last().drop(errors.New("network lost"))
	eventually(t, "disconnect", func() bool { return h.manager.State() == status.Disconnected })

	// Sends fail while down rather than queueing.
	if _, err := h.facade.SendMessage(context.Background(), "x", "", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send while down: %v", err)
	}
	// History stays readable.
	_ = h.facade.Messages("bob")

	if err := h.facade.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.count() != 2 {
		t.Fatalf("dials = %d, want 2", d.count())
	}
	eventually(t, "catch-up refresh", func() bool {
		_, r := h.api.counts()
		return r > refreshesBefore
	})
	if diag := h.facade.Diagnostics(); diag.Connection.State != status.Connected || diag.Active != "bob" {
		t.Errorf("diagnostics = %+v", diag)
	}
}

func TestSendTypingIsThrottled(t *testing.T) {
	d := &fakeDialer{}
	h := newHarness(t, d, Config{TypingDebounce: time.Hour})
	h.start(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.facade.SendTyping(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := d.last().sentOfType(transport.EventTyping); n != 1 {
		t.Errorf("typing frames = %d, want 1", n)
	}
}

func TestSendFileUploadsThenSends(t *testing.T) {
	d := &fakeDialer{configure: func(c *fakeConn) { c.setReply(ackWith("m_f")) }}
	h := newHarness(t, d, Config{})
	h.start(t)

	m, err := h.facade.SendFile(context.Background(), "pic.jpg", "image/jpeg", strings.NewReader("jpegdata"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != domain.TypeFile || m.File == nil || m.File.URL != "/files/pic.jpg" {
		t.Errorf("file message = %+v", m)
	}
}

func TestSendCallSignalValidatesEvent(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, Config{})
	h.start(t)
	if err := h.facade.SendCallSignal(context.Background(), "message:send", "bob", nil); err == nil {
		t.Error("non-call event accepted")
	}
	if err := h.facade.SendCallSignal(context.Background(), transport.EventCallAnswer, "bob", nil); err != nil {
		t.Errorf("SendCallSignal() error = %v", err)
	}
}
