// Package events is the in-process pub/sub seam between the collection
// pipeline and its consumers: the scheduler publishes samples, the status
// machine publishes transitions, the store publishes sink health, and the
// push fabric subscribes to all of them. Publishing never blocks.
package events

import (
	"sync"
	"time"

	"github.com/cwatcher/backend/internal/models"
)

// Kind discriminates bus events.
type Kind string

const (
	KindSample       Kind = "sample.collected"
	KindStatusChange Kind = "status.changed"
	KindSinkState    Kind = "sink.state"
)

// bufferSize is the per-subscriber channel depth.
const bufferSize = 256

// Event is one bus message. Exactly one payload field is set, selected by
// Kind.
type Event struct {
	Kind Kind
	At   time.Time

	Sample       *models.MetricsSample
	Status       *models.StatusEvent
	SinkDegraded bool
}

// Bus is an in-process event bus. Subscribers receive events on buffered
// channels; a full channel drops the event for that subscriber rather than
// stalling the publisher, mirroring the fabric's own backpressure rules.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	allSubs     []chan Event
	closed      bool
}

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Kind][]chan Event),
	}
}

// Subscribe returns a channel receiving events of the given kinds, or all
// events when no kind is named.
func (b *Bus) Subscribe(kinds ...Kind) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, bufferSize)
	if b.closed {
		close(ch)
		return ch
	}

	if len(kinds) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, k := range kinds {
			b.subscribers[k] = append(b.subscribers[k], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel. Unknown channels
// are ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	for k, subs := range b.subscribers {
		trimmed := removeChan(subs, ch)
		if len(trimmed) != len(subs) {
			removed = true
		}
		b.subscribers[k] = trimmed
	}
	trimmed := removeChan(b.allSubs, ch)
	if len(trimmed) != len(b.allSubs) {
		removed = true
	}
	b.allSubs = trimmed

	if removed {
		close(ch)
	}
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers to every matching subscriber without blocking. Events
// are stamped with the publish time when At is zero.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subscribers[ev.Kind] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishSample is sugar for the scheduler's per-cycle publish.
func (b *Bus) PublishSample(sample *models.MetricsSample) {
	b.Publish(Event{Kind: KindSample, Sample: sample})
}

// PublishStatus is sugar for status transitions.
func (b *Bus) PublishStatus(ev *models.StatusEvent) {
	b.Publish(Event{Kind: KindStatusChange, Status: ev})
}

// PublishSinkState is sugar for sink degradation flips.
func (b *Bus) PublishSinkState(degraded bool) {
	b.Publish(Event{Kind: KindSinkState, SinkDegraded: degraded})
}

// SubscriberCount returns the number of registered channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if _, dup := seen[ch]; !dup {
				seen[ch] = struct{}{}
				close(ch)
			}
		}
	}
	for _, ch := range b.allSubs {
		if _, dup := seen[ch]; !dup {
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	b.subscribers = make(map[Kind][]chan Event)
	b.allSubs = nil
}
