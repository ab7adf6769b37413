package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBus is a Redis pub/sub backed Bus for multi-instance
// deployments.
type RedisBus struct {
	client *redis.Client
	log    *zap.SugaredLogger
	mu     sync.Mutex
	subs   map[string]*redisSub
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan []byte
}

// NewRedisBus connects to Redis. An unreachable Redis is logged, not
// fatal: the server keeps working in single-instance mode and publish
// attempts surface their own errors. Production deployments should
// treat the logged warning as a configuration error.
func NewRedisBus(opts *redis.Options, log *zap.SugaredLogger) *RedisBus {
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warnw("redis unreachable, continuing without cross-instance fan-out",
			"addr", opts.Addr, "error", err)
	} else {
		log.Infow("connected to redis for pub/sub", "addr", opts.Addr)
	}
	return &RedisBus{
		client: client,
		log:    log,
		subs:   make(map[string]*redisSub),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[channel]; ok {
		return sub.out, nil
	}

	pubsub := b.client.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round-trip so a broken transport
	// surfaces here instead of as silence later.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	sub := &redisSub{pubsub: pubsub, out: make(chan []byte, subscriberBuffer)}
	b.subs[channel] = sub
	go func() {
		defer close(sub.out)
		for msg := range pubsub.Channel() {
			sub.out <- []byte(msg.Payload)
		}
	}()
	return sub.out, nil
}

func (b *RedisBus) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	// Closing the PubSub ends the forwarding goroutine, which closes out.
	return sub.pubsub.Close()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	return b.client.Close()
}
