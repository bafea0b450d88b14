// Package bus is a best-effort publish/subscribe transport keyed by topic.
// Messages are not persisted: a message published with no live subscriber is lost.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when the bus has been closed.
var ErrClosed = errors.New("bus closed")

// Subscription receives the messages published to one topic after it was opened.
type Subscription interface {
	// Messages delivers payloads in publish order. The channel is closed when
	// the subscription is closed.
	Messages() <-chan []byte
	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// Bus is implemented by Redis and Memory.
type Bus interface {
	// Publish sends msg to every current subscriber of topic and returns how
	// many received it.
	Publish(ctx context.Context, topic string, msg []byte) (int, error)
	// Subscribe opens a subscription. When it returns without error the
	// subscription is live and will observe every later publish.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Subscribers reports the number of live subscriptions on topic.
	Subscribers(ctx context.Context, topic string) (int, error)
	// Close releases resources.
	Close() error
}
