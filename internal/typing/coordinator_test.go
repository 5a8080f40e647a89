package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatcore/internal/bus"
)

type recorder struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (r *recorder) EmitTyping(_ context.Context, _ string, isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, isTyping)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRemoteTypingExpires(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := New(&recorder{}, nil, 3*time.Second, 0, clk, nil)
	defer c.Close()

	c.OnRemoteTyping("bob", clk.Now())

	clk.Advance(time.Second)
	if !c.IsTyping("bob") {
		t.Fatal("IsTyping at 1s = false, want true")
	}
	clk.Advance(2500 * time.Millisecond)
	if c.IsTyping("bob") {
		t.Fatal("IsTyping at 3.5s = true, want false")
	}
}

func TestRemoteTypingRefreshRestartsWindow(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := New(&recorder{}, nil, 3*time.Second, 0, clk, nil)
	defer c.Close()

	c.OnRemoteTyping("bob", clk.Now())
	clk.Advance(2 * time.Second)
	c.OnRemoteTyping("bob", clk.Now())
	clk.Advance(2 * time.Second)
	if !c.IsTyping("bob") {
		t.Fatal("refreshed signal expired early")
	}
	clk.Advance(1100 * time.Millisecond)
	if c.IsTyping("bob") {
		t.Fatal("flag outlived the refreshed window")
	}
	if len(c.Snapshot()) != 0 {
		t.Errorf("Snapshot() = %v, want empty", c.Snapshot())
	}
}

func TestRemoteTypingPublishesChanges(t *testing.T) {
	clk := clockwork.NewFakeClock()
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindTypingChanged, 8)
	defer unsub()
	c := New(&recorder{}, b, 3*time.Second, 0, clk, nil)
	defer c.Close()

	c.OnRemoteTyping("bob", clk.Now())
	c.OnRemoteTyping("bob", clk.Now())
	expectChange(t, ch, Change{CounterpartID: "bob", IsTyping: true})

	clk.Advance(3 * time.Second)
	expectChange(t, ch, Change{CounterpartID: "bob", IsTyping: false})

	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteStopped(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := New(&recorder{}, nil, 0, 0, clk, nil)
	defer c.Close()

	c.OnRemoteTyping("bob", clk.Now())
	c.OnRemoteStopped("bob")
	if c.IsTyping("bob") {
		t.Error("IsTyping after explicit stop = true")
	}
	c.OnRemoteStopped("nobody")
}

func TestLocalTypingIsThrottled(t *testing.T) {
	clk := clockwork.NewFakeClock()
	rec := &recorder{}
	c := New(rec, nil, 0, 300*time.Millisecond, clk, nil)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.NotifyLocalTyping(ctx, "bob")
		clk.Advance(50 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("emissions = %d, want 1", rec.count())
	}

	clk.Advance(350 * time.Millisecond)
	sent, err := c.NotifyLocalTyping(ctx, "bob")
	if err != nil || !sent {
		t.Fatalf("NotifyLocalTyping() = %v, %v after window", sent, err)
	}

	// Each counterpart has its own window.
	if sent, _ := c.NotifyLocalTyping(ctx, "carol"); !sent {
		t.Error("first signal to another counterpart was throttled")
	}
	if rec.count() != 3 {
		t.Errorf("emissions = %d, want 3", rec.count())
	}
}

func TestLocalTypingEmitError(t *testing.T) {
	rec := &recorder{err: errors.New("not connected")}
	c := New(rec, nil, 0, 0, clockwork.NewFakeClock(), nil)
	defer c.Close()

	if sent, err := c.NotifyLocalTyping(context.Background(), "bob"); err == nil || sent {
		t.Errorf("NotifyLocalTyping() = %v, %v, want error", sent, err)
	}
}

func expectChange(t *testing.T, ch <-chan bus.Event, want Change) {
	t.Helper()
	select {
	case evt := <-ch:
		if got := evt.Payload.(Change); got != want {
			t.Errorf("change = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %+v", want)
	}
}
