package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/textileio/sealbid/lib/auction"
)

// RedisGateway publishes events on a Redis pub/sub channel. Chat transports subscribe to it.
type RedisGateway struct {
	client  *redis.Client
	channel string
}

// NewRedisGateway connects to addr and checks the connection.
func NewRedisGateway(ctx context.Context, addr, channel string) (*RedisGateway, error) {
	if channel == "" {
		return nil, fmt.Errorf("redis channel is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %v", addr, err)
	}
	return &RedisGateway{client: client, channel: channel}, nil
}

// Deliver implements Gateway.
func (g *RedisGateway) Deliver(ctx context.Context, ev auction.Event) error {
	payload, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding event: %v", err))
	}
	n, err := g.client.Publish(ctx, g.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publishing event: %v", err)
	}
	if n == 0 {
		log.Warnf("event %s published to %s with no subscribers", ev.ID, g.channel)
	}
	return nil
}

// Close closes the connection.
func (g *RedisGateway) Close() error {
	return g.client.Close()
}
