package bus

import (
	"context"
	"sync"

	"github.com/Backland-Labs/conductor/internal/logger"
)

// DefaultBufferSize bounds each subscriber channel.
const DefaultBufferSize = 256

// Memory is an in-process Bus. Slow subscribers whose buffer is full miss
// messages rather than blocking the publisher.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscription
	bufferSize  int
	closed      bool
}

// NewMemory creates an in-process bus.
func NewMemory(bufferSize int) *Memory {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Memory{
		subscribers: make(map[string][]*memorySubscription),
		bufferSize:  bufferSize,
	}
}

type memorySubscription struct {
	bus   *Memory
	topic string
	ch    chan []byte
	once  sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
	return nil
}

// Subscribe implements Bus.
func (b *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{bus: b, topic: topic, ch: make(chan []byte, b.bufferSize)}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub, nil
}

func (b *Memory) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(b.subscribers[sub.topic]) == 0 {
		delete(b.subscribers, sub.topic)
	}
}

// Publish implements Bus.
func (b *Memory) Publish(_ context.Context, topic string, msg []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}

	delivered := 0
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			logger.WithField("topic", topic).Warn("Subscriber buffer full, dropping message")
		}
	}
	return delivered, nil
}

// Subscribers implements Bus.
func (b *Memory) Subscribers(_ context.Context, topic string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic]), nil
}

// Close implements Bus. Open subscriptions are closed.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subscribers, topic)
	}
	return nil
}
