package bus

import (
	"context"
	"sync"
	"time"
)

// Subscription represents an active envelope stream.
type Subscription interface {
	Events() <-chan Envelope
	Close()
}

// MemoryBus fans envelopes out to in-process subscribers. It serves
// single-process deployments where workers are embedded, and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	now    func() time.Time
}

// NewMemoryBus initialises an in-memory bus whose subscriptions buffer up to
// buffer envelopes.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
		now:    time.Now,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := validate(topic, msg); err != nil {
		return err
	}
	envelope := Envelope{Topic: topic, Message: msg, PublishedAt: b.now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- envelope:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow subscribers lose messages rather than stall publishers.
		}
	}
	return nil
}

// Subscribe registers a new subscriber.
func (b *MemoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Envelope, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *MemoryBus) Ping(context.Context) error { return nil }

type memorySubscription struct {
	once sync.Once
	bus  *MemoryBus
	ch   chan Envelope
}

func (s *memorySubscription) Events() <-chan Envelope {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
