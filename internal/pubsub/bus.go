// Package pubsub provides a typed, topic-keyed fan-out used for channel handlers,
// connection events, and replica notifications.
package pubsub

import (
	"sync"

	"go.uber.org/zap"
)

type subscriber[T any] struct {
	id   uint64
	fn   func(T)
	once bool
	mu   sync.Mutex
	done bool
}

// claim marks a one-shot subscriber as consumed.
// Postcondition: Returns true exactly once for a one-shot subscriber; always true otherwise.
func (s *subscriber[T]) claim() bool {
	if !s.once {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}

// Bus delivers values published on a topic to every subscriber of that topic,
// in subscription order. All methods are safe for concurrent use, including
// from within a subscriber callback.
type Bus[T any] struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	topics map[string][]*subscriber[T]
}

// NewBus creates an empty Bus. A nil logger discards panic reports.
func NewBus[T any](logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{
		logger: logger,
		topics: make(map[string][]*subscriber[T]),
	}
}

// Subscribe registers fn for topic.
//
// Precondition: fn must not be nil.
// Postcondition: Returns an idempotent unsubscribe func.
func (b *Bus[T]) Subscribe(topic string, fn func(T)) (unsubscribe func()) {
	return b.add(topic, fn, false)
}

// SubscribeOnce registers fn for the next value published on topic only.
//
// Postcondition: fn runs at most once; the returned func cancels it if it has not run.
func (b *Bus[T]) SubscribeOnce(topic string, fn func(T)) (unsubscribe func()) {
	return b.add(topic, fn, true)
}

func (b *Bus[T]) add(topic string, fn func(T), once bool) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber[T]{id: b.nextID, fn: fn, once: once}
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	var removeOnce sync.Once
	return func() {
		removeOnce.Do(func() { b.remove(topic, sub.id) })
	}
}

func (b *Bus[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			next := make([]*subscriber[T], 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, topic)
			} else {
				b.topics[topic] = next
			}
			return
		}
	}
}

// Publish delivers v to the current subscribers of topic.
// A panicking subscriber is logged and does not stop delivery to the rest.
//
// Postcondition: Returns the number of subscribers that received v.
func (b *Bus[T]) Publish(topic string, v T) int {
	b.mu.Lock()
	subs := b.topics[topic]
	b.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if !s.claim() {
			continue
		}
		if s.once {
			b.remove(topic, s.id)
		}
		if b.deliver(topic, s, v) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus[T]) deliver(topic string, s *subscriber[T], v T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("topic", topic),
				zap.Uint64("subscriber", s.id),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	s.fn(v)
	return true
}

// Len returns the number of subscribers registered for topic.
func (b *Bus[T]) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Clear removes every subscriber on every topic.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string][]*subscriber[T])
}
