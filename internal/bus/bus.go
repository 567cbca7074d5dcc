// Package bus is the in-process pub/sub fabric: task lifecycle, streaming
// reply chunks, inter-agent mail, alerts, and the approval workflow all ride
// it. Delivery is best-effort — a slow subscriber drops events rather than
// stalling a publisher.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 100

// Event is one message on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is one active listener, matched by topic prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch is the receive side. It is closed on Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	logger *slog.Logger

	dropped     atomic.Int64
	lastWarnedAt atomic.Int64 // threshold the last drop warning fired at
}

func New() *Bus {
	return NewWithLogger(nil)
}

func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a listener for topics with the given prefix; the empty
// prefix matches everything. The channel buffers subscriberBuffer events;
// once full, further events for this subscriber are dropped.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// with nil or an already-removed subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.noteDrop(b.dropped.Add(1), topic)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount is the total dropped across all subscribers.
func (b *Bus) DroppedEventCount() int64 {
	return b.dropped.Load()
}

// noteDrop logs at exponential thresholds (1, 10, 100, ...) instead of per
// drop, so a saturated subscriber cannot turn into a logging storm. The CAS
// keeps concurrent publishers from double-logging a threshold.
func (b *Bus) noteDrop(count int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	if count != threshold {
		return
	}
	last := b.lastWarnedAt.Load()
	if threshold <= last {
		return
	}
	if b.lastWarnedAt.CompareAndSwap(last, threshold) {
		b.logger.Warn("bus subscribers dropping events",
			slog.Int64("dropped_total", count),
			slog.String("topic", topic),
		)
	}
}
