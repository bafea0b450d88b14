package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis pub/sub bus.
type RedisOptions struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// Prefix namespaces channel names. Defaults to "conductor".
	Prefix string
	// BufferSize bounds each subscription channel.
	BufferSize int
}

// Redis is a Bus over Redis pub/sub, shared by every process of a deployment.
type Redis struct {
	rdb        *redis.Client
	prefix     string
	bufferSize int
}

// NewRedis creates a Redis-backed bus.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "conductor"
	}
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Redis{rdb: opts.Client, prefix: prefix + ":", bufferSize: size}, nil
}

func (b *Redis) channel(topic string) string {
	return b.prefix + topic
}

// Publish implements Bus.
func (b *Redis) Publish(ctx context.Context, topic string, msg []byte) (int, error) {
	n, err := b.rdb.Publish(ctx, b.channel(topic), msg).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}
	return int(n), nil
}

// Subscribe implements Bus. It waits for the server to confirm the
// subscription so no message published afterwards is missed.
func (b *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, b.bufferSize),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel(redis.WithChannelSize(b.bufferSize)))
	return sub, nil
}

// Subscribers implements Bus.
func (b *Redis) Subscribers(ctx context.Context, topic string) (int, error) {
	counts, err := b.rdb.PubSubNumSub(ctx, b.channel(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("count subscribers of %s: %w", topic, err)
	}
	return int(counts[b.channel(topic)]), nil
}

// Close implements Bus. The client is owned by the caller.
func (b *Redis) Close() error {
	return nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
