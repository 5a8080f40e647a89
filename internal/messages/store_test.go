package messages

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return New(b, 0, clockwork.NewFakeClockAt(t0), nil), b
}

func outgoing(content string) domain.Message {
	return domain.Message{SenderID: "alice", RecipientID: "bob", Content: content, Type: domain.TypeText}
}

func confirmed(id, content string, at time.Time) domain.Message {
	m := outgoing(content)
	m.ID = domain.Confirmed(id)
	m.CreatedAt = at
	m.Status = domain.StatusSent
	return m
}

func key() string { return domain.ConversationKey("alice", "bob") }

func TestAppendOptimisticAssignsPendingIdentity(t *testing.T) {
	s, b := newTestStore(t)
	ch, unsub := b.Subscribe("message.", 4)
	defer unsub()

	m, err := s.AppendOptimistic(outgoing("hello"))
	if err != nil {
		t.Fatalf("AppendOptimistic() error = %v", err)
	}
	tmp, ok := m.ID.TempID()
	if !ok || len(tmp) < 5 || tmp[:4] != "tmp_" {
		t.Fatalf("identity = %v, want pending tmp_*", m.ID)
	}
	if m.Status != domain.StatusPending || !m.CreatedAt.Equal(t0) {
		t.Errorf("message = %+v", m)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageAppended {
			t.Errorf("kind = %q, want %q", evt.Kind, bus.KindMessageAppended)
		}
	case <-time.After(time.Second):
		t.Fatal("no appended event")
	}
}

func TestAppendOptimisticValidates(t *testing.T) {
	s, _ := newTestStore(t)
	tests := []domain.Message{
		{SenderID: "alice", Content: "x", Type: domain.TypeText},
		{SenderID: "alice", RecipientID: "bob", Content: "x", Type: "sticker"},
		{SenderID: "alice", RecipientID: "bob", Type: domain.TypeText},
	}
	for _, m := range tests {
		if _, err := s.AppendOptimistic(m); !errors.Is(err, ErrInvalid) {
			t.Errorf("AppendOptimistic(%+v) error = %v, want ErrInvalid", m, err)
		}
	}
	// A wink needs no content.
	if _, err := s.AppendOptimistic(domain.Message{SenderID: "alice", RecipientID: "bob", Type: domain.TypeWink}); err != nil {
		t.Errorf("wink: %v", err)
	}
}

// The optimistic entry, the transport ack and a later history fetch all
// describe the same send and must collapse into one entry.
func TestSameSendThroughEveryPathStaysSingle(t *testing.T) {
	orders := [][]string{
		{"append", "ack", "fetch"},
		{"append", "fetch", "ack"},
		{"append", "fetch", "fetch", "ack", "ack"},
	}
	for _, order := range orders {
		s, _ := newTestStore(t)
		var tmp string
		for _, step := range order {
			switch step {
			case "append":
				m, err := s.AppendOptimistic(outgoing("hello"))
				if err != nil {
					t.Fatal(err)
				}
				tmp, _ = m.ID.TempID()
			case "ack":
				ack := confirmed("m_123", "hello", t0.Add(200*time.Millisecond))
				ack.Alias = tmp
				if _, err := s.Reconcile(ack); err != nil {
					t.Fatal(err)
				}
			case "fetch":
				// History copies carry no temp id.
				s.UpsertIncoming(confirmed("m_123", "hello", t0.Add(200*time.Millisecond)))
			}
		}
		got := s.Messages(key())
		if len(got) != 1 {
			t.Fatalf("order %v: %d entries, want 1: %+v", order, len(got), got)
		}
		if got[0].ID != domain.Confirmed("m_123") {
			t.Errorf("order %v: identity = %v", order, got[0].ID)
		}
	}
}

func TestConfirmationScenario(t *testing.T) {
	s, b := newTestStore(t)
	ch, unsub := b.Subscribe(bus.KindMessageReconciled, 1)
	defer unsub()

	m, _ := s.AppendOptimistic(outgoing("hello"))
	tmp, _ := m.ID.TempID()
	if got := s.Messages(key()); len(got) != 1 || got[0].Status != domain.StatusPending {
		t.Fatalf("after append: %+v", got)
	}

	ack := confirmed("m_123", "hello", t0.Add(200*time.Millisecond))
	ack.Alias = tmp
	out, err := s.Reconcile(ack)
	if err != nil {
		t.Fatal(err)
	}

	got := s.Messages(key())
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].ID != domain.Confirmed("m_123") || got[0].Status != domain.StatusSent {
		t.Errorf("entry = %+v", got[0])
	}
	if out.Alias != tmp {
		t.Errorf("alias = %q, want %q", out.Alias, tmp)
	}
	if l, ok := s.Lookup(tmp); !ok || l.ID != domain.Confirmed("m_123") {
		t.Errorf("Lookup(temp id) = %+v, %v", l, ok)
	}

	select {
	case evt := <-ch:
		c := evt.Payload.(Change)
		if c.TempID != tmp {
			t.Errorf("reconciled temp id = %q", c.TempID)
		}
	case <-time.After(time.Second):
		t.Fatal("no reconciled event")
	}
}

func TestReconcileByContentPicksClosestPending(t *testing.T) {
	s, _ := newTestStore(t)
	first, _ := s.AppendOptimistic(domain.Message{SenderID: "alice", RecipientID: "bob", Content: "hi", Type: domain.TypeText, CreatedAt: t0})
	second, _ := s.AppendOptimistic(domain.Message{SenderID: "alice", RecipientID: "bob", Content: "hi", Type: domain.TypeText, CreatedAt: t0.Add(4 * time.Second)})

	// Server copy of the second send, no temp id.
	out, err := s.Reconcile(confirmed("m_2", "hi", t0.Add(4*time.Second+100*time.Millisecond)))
	if err != nil {
		t.Fatal(err)
	}
	tmp2, _ := second.ID.TempID()
	if out.Alias != tmp2 {
		t.Errorf("matched %q, want %q", out.Alias, tmp2)
	}
	tmp1, _ := first.ID.TempID()
	if l, _ := s.Lookup(tmp1); !l.ID.IsPending() {
		t.Errorf("first send was consumed: %+v", l)
	}
}

func TestReconcileOutsideWindowInserts(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.AppendOptimistic(outgoing("hello"))
	_, err := s.Reconcile(confirmed("m_9", "hello", t0.Add(10*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if n := s.Len(key()); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
	if _, err := s.Reconcile(outgoing("x")); !errors.Is(err, ErrNotVerified) {
		t.Errorf("Reconcile(pending) error = %v", err)
	}
}

func TestUpsertIncomingIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	in := domain.Message{
		ID: domain.Confirmed("m_1"), SenderID: "bob", RecipientID: "alice",
		Content: "hey", Type: domain.TypeText, CreatedAt: t0, Status: domain.StatusSent,
	}
	if _, inserted := s.UpsertIncoming(in); !inserted {
		t.Fatal("first upsert not inserted")
	}
	if _, inserted := s.UpsertIncoming(in); inserted {
		t.Fatal("second upsert inserted a duplicate")
	}
	in.Status = domain.StatusDelivered
	got, _ := s.UpsertIncoming(in)
	if got.Status != domain.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	in.Status = domain.StatusSent
	got, _ = s.UpsertIncoming(in)
	if got.Status != domain.StatusDelivered {
		t.Errorf("status went backwards to %s", got.Status)
	}
	if s.Len(key()) != 1 {
		t.Errorf("entries = %d, want 1", s.Len(key()))
	}
}

func TestOrderingIndependentOfArrival(t *testing.T) {
	s, _ := newTestStore(t)

	// Optimistic at t0+2s, pushed at t0+1s, fetched at t0 and t0+3s.
	_, _ = s.AppendOptimistic(domain.Message{SenderID: "alice", RecipientID: "bob", Content: "b", Type: domain.TypeText, CreatedAt: t0.Add(2 * time.Second)})
	s.UpsertIncoming(domain.Message{ID: domain.Confirmed("m_push"), SenderID: "bob", RecipientID: "alice", Content: "a", Type: domain.TypeText, CreatedAt: t0.Add(time.Second)})
	s.UpsertIncoming(domain.Message{ID: domain.Confirmed("m_late"), SenderID: "bob", RecipientID: "alice", Content: "c", Type: domain.TypeText, CreatedAt: t0.Add(3 * time.Second)})
	s.UpsertIncoming(domain.Message{ID: domain.Confirmed("m_old"), SenderID: "bob", RecipientID: "alice", Content: "0", Type: domain.TypeText, CreatedAt: t0})

	got := s.Messages(key())
	want := []string{"0", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("entries = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Content != want[i] {
			t.Errorf("position %d = %q, want %q", i, got[i].Content, want[i])
		}
		if i > 0 && got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Errorf("not monotonic at %d", i)
		}
	}
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	for _, c := range []string{"first", "second", "third"} {
		s.UpsertIncoming(domain.Message{
			ID: domain.Confirmed("m_" + c), SenderID: "bob", RecipientID: "alice",
			Content: c, Type: domain.TypeText, CreatedAt: t0, Status: domain.StatusSent,
		})
	}
	// Confirmation must not move an entry with an unchanged timestamp.
	m, _ := s.AppendOptimistic(domain.Message{SenderID: "alice", RecipientID: "bob", Content: "mine", Type: domain.TypeText, CreatedAt: t0})
	tmp, _ := m.ID.TempID()
	ack := confirmed("m_mine", "mine", t0)
	ack.Alias = tmp
	_, _ = s.Reconcile(ack)

	got := s.Messages(key())
	want := []string{"first", "second", "third", "mine"}
	for i := range want {
		if got[i].Content != want[i] {
			t.Errorf("position %d = %q, want %q", i, got[i].Content, want[i])
		}
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.AppendOptimistic(outgoing("one"))
	snap := s.Messages(key())
	_, _ = s.AppendOptimistic(outgoing("two"))
	if len(snap) != 1 {
		t.Errorf("snapshot changed length to %d", len(snap))
	}
	snap[0].Content = "mutated"
	if s.Messages(key())[0].Content != "one" {
		t.Error("mutating a snapshot changed the store")
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	s, _ := newTestStore(t)
	m, _ := s.AppendOptimistic(outgoing("hello"))
	tmp, _ := m.ID.TempID()

	failed, err := s.MarkFailed(tmp, "transport: timeout; rest: 502")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != domain.StatusFailed || failed.FailReason == "" {
		t.Errorf("failed = %+v", failed)
	}
	if _, err := s.MarkFailed(tmp, "again"); !errors.Is(err, ErrNotPending) {
		t.Errorf("MarkFailed twice error = %v", err)
	}
	if _, err := s.MarkFailed("tmp_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFailed(missing) error = %v", err)
	}
	// A failed message is not a duplicate of a fresh send.
	if _, dup := s.FindRecentDuplicate(outgoing("hello")); dup {
		t.Error("failed message counted as duplicate")
	}

	retried, err := s.Retry(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != domain.StatusPending || retried.FailReason != "" {
		t.Errorf("retried = %+v", retried)
	}
	if _, err := s.Retry(tmp); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry(pending) error = %v", err)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpsertIncoming(domain.Message{ID: domain.Confirmed("m_1"), SenderID: "bob", RecipientID: "alice", Content: "x", Type: domain.TypeText, CreatedAt: t0, Status: domain.StatusDelivered})

	if n := s.MarkRead([]string{"m_1", "m_unknown"}); n != 1 {
		t.Errorf("MarkRead() = %d, want 1", n)
	}
	if n := s.MarkRead([]string{"m_1"}); n != 0 {
		t.Errorf("second MarkRead() = %d, want 0", n)
	}
	if m, _ := s.Lookup("m_1"); m.Status != domain.StatusRead {
		t.Errorf("status = %s", m.Status)
	}
}

func TestFindRecentDuplicateWindow(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	s := New(nil, 5*time.Second, clk, nil)
	_, _ = s.AppendOptimistic(outgoing("hello"))

	clk.Advance(4 * time.Second)
	if _, ok := s.FindRecentDuplicate(outgoing("hello")); !ok {
		t.Error("duplicate within window not found")
	}
	if _, ok := s.FindRecentDuplicate(outgoing("other")); ok {
		t.Error("different content matched")
	}
	clk.Advance(2 * time.Second)
	if _, ok := s.FindRecentDuplicate(outgoing("hello")); ok {
		t.Error("duplicate found after window")
	}
}

func TestReset(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.AppendOptimistic(outgoing("hello"))
	s.Reset(key())
	if s.Len(key()) != 0 {
		t.Error("Reset left messages behind")
	}
}
