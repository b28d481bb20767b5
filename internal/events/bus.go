// Package events is an in-process publish/subscribe broadcaster for the
// runtime control events: scan-event, daemon-status, new_log_entry,
// config-event. Grounded on internal/server/websocket/broadcaster.go's
// non-blocking, sync.Map-backed fan-out, generalized from a single alert
// topic to named topics so the Control API's SSE handler and the Audit
// Log can share one Bus.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Message is one published event, enveloped with the topic it was published
// under so a single subscriber channel can carry every topic.
type Message struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Subscriber is a single registered listener. Unsubscribe closes C.
type Subscriber struct {
	id      string
	c       chan Message
	Dropped atomic.Int64
}

// C returns the receive-only channel on which messages are delivered.
func (s *Subscriber) C() <-chan Message { return s.c }

// Bus fans published messages out to every current subscriber using a
// non-blocking send, so a stalled SSE client never back-pressures the
// scanner thread. It is safe for concurrent use.
type Bus struct {
	subs    sync.Map // map[string]*Subscriber
	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBus returns a Bus whose subscriber channels are buffered to bufSize (a
// non-positive value defaults to 64).
func NewBus(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{bufSize: bufSize, logger: logger}
}

// Subscribe registers id as a new subscriber. Calling Subscribe twice with
// the same id replaces the previous subscriber, closing its channel.
func (b *Bus) Subscribe(id string) *Subscriber {
	s := &Subscriber{id: id, c: make(chan Message, b.bufSize)}
	if b.closed.Load() {
		close(s.c)
		return s
	}
	if old, loaded := b.subs.Swap(id, s); loaded {
		close(old.(*Subscriber).c)
	}
	return s
}

// Unsubscribe removes and closes the subscriber registered under id. It is a
// no-op for an unknown id.
func (b *Bus) Unsubscribe(id string) {
	if v, loaded := b.subs.LoadAndDelete(id); loaded {
		close(v.(*Subscriber).c)
	}
}

// Publish implements audit.Publisher and the orchestrator's event-fan-out
// seam: it delivers {topic, payload} to every current subscriber without
// blocking. Subscribers whose buffer is full have the message dropped and
// their Dropped counter incremented; Publish never blocks the caller.
func (b *Bus) Publish(topic string, payload any) {
	if b.closed.Load() {
		return
	}
	msg := Message{Topic: topic, Payload: payload}
	b.subs.Range(func(_, v any) bool {
		s := v.(*Subscriber)
		select {
		case s.c <- msg:
		default:
			s.Dropped.Add(1)
			b.logger.Warn("event bus: subscriber buffer full, dropping message",
				slog.String("subscriber_id", s.id), slog.String("topic", topic))
		}
		return true
	})
}

// Count returns the number of currently registered subscribers.
func (b *Bus) Count() int {
	n := 0
	b.subs.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Close unregisters and closes every subscriber. After Close, Publish is a
// no-op and Subscribe returns an already-closed channel.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.subs.Range(func(k, v any) bool {
			b.subs.Delete(k)
			close(v.(*Subscriber).c)
			return true
		})
	})
}
