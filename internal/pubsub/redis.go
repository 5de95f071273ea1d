package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mentora/roomsync/internal/logging"
)

// Redis relays envelopes through one Redis pub/sub channel shared by every
// node.
type Redis struct {
	client  *redis.Client
	channel string
	logger  logging.Logger
}

// NewRedis wraps an already connected client.
func NewRedis(client *redis.Client, channel string, logger logging.Logger) *Redis {
	return &Redis{client: client, channel: channel, logger: logger}
}

// DialRedis connects to addr and checks the connection with PING.
func DialRedis(ctx context.Context, addr, channel string, logger logging.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client, channel, logger), nil
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription.
func (r *Redis) Subscribe(ctx context.Context, fn func(Envelope)) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warnf("drop malformed envelope on %s: %v", r.channel, err)
				continue
			}
			fn(env)
		}
	}()
	return ps, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
