package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/event"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Forwarder is the live-update hook: every successfully applied event is
// handed to it so an external socket transport can push it to interested,
// already-authorized connections. The core makes no connection-management
// decisions.
type Forwarder interface {
	Forward(ctx context.Context, env *event.Envelope) error
	Close() error
}

// RedisForwarder publishes applied events on a Redis channel.
type RedisForwarder struct {
	client  *redis.Client
	channel string
	enabled bool
}

// NewRedisForwarder creates a forwarder from the Redis configuration. A
// disabled configuration yields a forwarder that drops everything, so the
// pipeline keeps working without a live-update transport.
func NewRedisForwarder(cfg config.RedisConfig) (*RedisForwarder, error) {
	if !cfg.Enabled {
		return &RedisForwarder{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisForwarder{
		client:  client,
		channel: cfg.Channel,
		enabled: true,
	}, nil
}

// Forward publishes the envelope to the live-update channel.
func (f *RedisForwarder) Forward(ctx context.Context, env *event.Envelope) error {
	if !f.enabled {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope for forwarding")
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return errors.Wrap(err, "failed to publish envelope to live-update channel")
	}
	return nil
}

// Close closes the Redis connection.
func (f *RedisForwarder) Close() error {
	if !f.enabled || f.client == nil {
		return nil
	}
	return f.client.Close()
}
