package pubsub

import (
	"context"
	"sync"
)

const subscriberBuffer = 256

type memorySubscription struct {
	broker *Memory
	ch     chan Envelope
	once   sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.ch)
	})
	return nil
}

// Memory is an in-process broker. Several hubs sharing one Memory behave
// like nodes sharing a Redis channel.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySubscription]struct{})}
}

// Publish hands env to every subscriber. A subscriber whose buffer is full
// misses the envelope rather than blocking the publisher.
func (m *Memory) Publish(_ context.Context, env Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs {
		select {
		case sub.ch <- env:
		default:
		}
	}
	return nil
}

// Subscribe calls fn for every envelope from a dedicated goroutine.
func (m *Memory) Subscribe(_ context.Context, fn func(Envelope)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{broker: m, ch: make(chan Envelope, subscriberBuffer)}
	m.subs[sub] = struct{}{}

	go func() {
		for env := range sub.ch {
			fn(env)
		}
	}()
	return sub, nil
}

// Close closes every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub)
}
