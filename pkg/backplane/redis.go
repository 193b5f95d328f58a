package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "studyhub:events"

// RedisBus fans envelopes out over one Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects using a redis:// URL.
func NewRedisBus(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisBusWithClient(client, DefaultChannel, logger), nil
}

func NewRedisBusWithClient(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With(slog.String("component", "backplane_redis")),
	}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, node string, h Handler) error {
	ps := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()

	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("Dropping malformed envelope", slog.Any("error", err))
				continue
			}
			if env.Origin == node {
				continue
			}
			h(env)
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return b.client.Close()
}
