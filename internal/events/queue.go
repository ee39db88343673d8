package events

import (
	"context"
	"sync"
)

// Queue fans envelopes out to every subscriber. Implementations must never
// block a publisher on a slow consumer.
type Queue interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe() Subscription
}

// Subscription is an active envelope stream. Events is closed after Close.
type Subscription interface {
	Events() <-chan Envelope
	Close()
}

// NewMemoryQueue returns an in-process queue for single-node deployments and
// tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// full buffer: drop for this subscriber only
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Envelope, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Envelope
}

func (s *memorySubscription) Events() <-chan Envelope {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
