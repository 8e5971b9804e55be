package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel notifications are published on.
const DefaultRedisChannel = "sovereign:notifications"

// Publisher is the subset of the go-redis client the sender needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSender publishes notifications as JSON on a Redis pub/sub channel so
// other processes (a second UI host, a log shipper) can observe them.
type RedisSender struct {
	client  Publisher
	channel string
	timeout time.Duration
}

// NewRedisSender connects to addr lazily; go-redis dials on first use.
func NewRedisSender(addr, channel string) *RedisSender {
	return NewRedisSenderWithClient(redis.NewClient(&redis.Options{Addr: addr}), channel)
}

// NewRedisSenderWithClient wraps an existing publisher.
func NewRedisSenderWithClient(client Publisher, channel string) *RedisSender {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSender{
		client:  client,
		channel: channel,
		timeout: 5 * time.Second,
	}
}

func (r *RedisSender) Name() string { return "redis" }

// Send publishes n.
func (r *RedisSender) Send(n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", r.channel, err)
	}
	return nil
}

// Close releases the underlying client when it supports closing.
func (r *RedisSender) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
