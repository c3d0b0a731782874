package generation

import (
	"context"
	"log/slog"
	"sync"
)

// Broker fans one generation's event stream out to any number of
// listeners. Every subscriber receives the complete sequence in order:
// a full replay of everything published so far, then the live feed. No
// reordering or coalescing happens between the producer and any
// consumer, and each consumer drives its own Reducer — state is never
// shared between listeners.
type Broker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []Event
	terminal bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	b := &Broker{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event and wakes subscribers. Events published after
// the terminal event are a protocol violation: logged and dropped. A
// repeat cancellation is tolerated silently so that a caller-side cancel
// and a producer-side cancel may race without noise.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal {
		if ev.Type != EventCancelled {
			slog.Warn("Event published after terminal event, dropping", "type", ev.Type)
		}
		return
	}
	b.events = append(b.events, ev)
	if ev.Terminal() {
		b.terminal = true
	}
	b.cond.Broadcast()
}

// Terminal reports whether the stream has ended.
func (b *Broker) Terminal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// Subscribe returns a channel delivering the full event sequence from
// the beginning. The channel closes after the terminal event, or when
// ctx is cancelled — cancellation stops forwarding immediately even if
// the producer is still running.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	// Wake the waiting goroutine when the subscriber's context ends.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})

	go func() {
		defer close(ch)
		defer stop()
		next := 0
		for {
			b.mu.Lock()
			for next >= len(b.events) && !b.terminal && ctx.Err() == nil {
				b.cond.Wait()
			}
			if ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			pending := b.events[next:]
			next = len(b.events)
			done := b.terminal && next == len(b.events)
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return ch
}
