package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	b.Publish(NewEvent(KindStoreSaved, "payload"))

	select {
	case evt := <-ch:
		if evt.Kind != KindStoreSaved {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStoreSaved)
		}
		if evt.Timestamp.IsZero() {
			t.Error("NewEvent should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStoreSaved})
	b.Publish(Event{Kind: KindTransportUpdates})

	select {
	case evt := <-ch:
		if evt.Kind != KindTransportUpdates {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTransportUpdates)
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

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("store.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindStoreSaved})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 1)
	defer unsub()

	b.Publish(Event{Kind: "sync.one"})
	b.Publish(Event{Kind: "sync.two"})

	evt := <-ch
	if evt.Kind != "sync.one" {
		t.Errorf("got %q, want sync.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
