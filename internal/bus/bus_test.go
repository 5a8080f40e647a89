package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	b.Publish(NewEvent(KindConnectionState, "connected"))

	select {
	case evt := <-ch:
		if evt.Kind != KindConnectionState {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnectionState)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindTypingChanged})
	b.Publish(Event{Kind: KindMessageAppended})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageAppended {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageAppended)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	unsub()
	unsub() // second call must not panic

	b.Publish(Event{Kind: KindTypingChanged})

	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestCloseDisposesAllSubscriptions(t *testing.T) {
	b := New()
	ch1, _ := b.Subscribe("a.", 1)
	ch2, _ := b.Subscribe("b.", 1)

	b.Close()
	b.Publish(Event{Kind: "a.x"})

	if _, ok := <-ch1; ok {
		t.Error("ch1 should be closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("ch2 should be closed")
	}

	ch3, _ := b.Subscribe("a.", 1)
	if _, ok := <-ch3; ok {
		t.Error("subscribing after Close should yield a closed channel")
	}
}

func TestRegistryDisposesInReverse(t *testing.T) {
	var order []int
	var r Registry
	r.Add(func() { order = append(order, 1) })
	r.Add(func() { order = append(order, 2) })
	r.Dispose()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("dispose order = %v, want [2 1]", order)
	}

	ran := false
	r.Add(func() { ran = true })
	if !ran {
		t.Error("Add after Dispose should run the disposer immediately")
	}
}
