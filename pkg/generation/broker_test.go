package generation

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for channel close, got %d events", len(out))
		}
	}
}

func TestBrokerReplaysFromBeginning(t *testing.T) {
	b := NewBroker()
	b.Publish(textEv("a"))
	b.Publish(textEv("b"))
	b.Publish(Event{Type: EventDone})

	// Subscribes after the stream ended: must still see everything.
	events := collect(t, b.Subscribe(context.Background()))

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Text != "a" || events[1].Text != "b" || events[2].Type != EventDone {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestBrokerLiveFeed(t *testing.T) {
	b := NewBroker()
	b.Publish(textEv("early"))

	ch := b.Subscribe(context.Background())

	go func() {
		b.Publish(textEv("late"))
		b.Publish(Event{Type: EventDone})
	}()

	events := collect(t, ch)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3 (replay then live)", len(events))
	}
	if events[0].Text != "early" || events[1].Text != "late" {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Publish(toolUseEv("t1", "bash"))

	ch1 := b.Subscribe(context.Background())
	ch2 := b.Subscribe(context.Background())

	b.Publish(toolResultEv("t1", "bash", "out"))
	b.Publish(Event{Type: EventDone})

	for i, ch := range []<-chan Event{ch1, ch2} {
		events := collect(t, ch)
		if len(events) != 3 {
			t.Errorf("subscriber %d: events = %d, want 3", i, len(events))
		}
	}
}

func TestBrokerEachSubscriberOwnsItsReducer(t *testing.T) {
	b := NewBroker()
	b.Publish(textEv("Hi "))
	b.Publish(textEv("there"))
	b.Publish(Event{Type: EventDone})

	for i := 0; i < 2; i++ {
		r := NewReducer()
		for ev := range b.Subscribe(context.Background()) {
			r.Apply(ev)
		}
		s := r.State()
		if len(s.Parts) != 1 || s.Parts[0].Text != "Hi there" {
			t.Errorf("subscriber %d state = %+v, want one coalesced part", i, s.Parts)
		}
	}
}

func TestBrokerDropsAfterTerminal(t *testing.T) {
	b := NewBroker()
	b.Publish(Event{Type: EventDone})
	b.Publish(textEv("late"))
	b.Publish(Event{Type: EventCancelled}) // tolerated silently, still dropped

	events := collect(t, b.Subscribe(context.Background()))
	if len(events) != 1 || events[0].Type != EventDone {
		t.Errorf("events = %+v, want just the terminal event", events)
	}
}

func TestBrokerSubscribeCancel(t *testing.T) {
	b := NewBroker()
	b.Publish(textEv("a"))

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)

	select {
	case ev := <-ch:
		if ev.Text != "a" {
			t.Fatalf("event = %+v, want replayed text", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replay")
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after cancel, want closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
