package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindQueryStart})
	b.Emit(SourceAgent, KindQueryDone, nil)
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Error("nil bus should report zero subscribers and drops")
	}
}

func TestEmitStampsAndDelivers(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceTools, KindToolDone, map[string]any{"tool": "lookup_order", "status": "succeeded"})

	select {
	case got := <-ch:
		if got.Source != SourceTools || got.Kind != KindToolDone || got.Timestamp.IsZero() {
			t.Errorf("got %+v", got)
		}
		if got.Data["tool"] != "lookup_order" {
			t.Errorf("data = %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceConversation, Kind: KindCompaction})
	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindCompaction {
				t.Errorf("subscriber %d: got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestSlowSubscriberDropsAndCounts(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	for range 5 {
		b.Publish(Event{Source: SourceAgent, Kind: KindModelCall})
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
	if b.Dropped() != 4 {
		t.Errorf("Dropped = %d, want 4", b.Dropped())
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", b.SubscriberCount())
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(4)
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			b.Emit(SourceTransport, KindSessionOpen, nil)
		}()
	}
	wg.Wait()
}
