// Package pubsub fans hub frames out to the other roomsync nodes serving the
// same topics.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned when publishing to a closed broker.
var ErrClosed = errors.New("broker closed")

// Envelope is a frame published by one node for a topic.
type Envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Data   []byte `json:"data"`
}

// Subscription is cancelled with Close.
type Subscription interface {
	Close() error
}

// Broker delivers envelopes to every subscriber, including the publisher's
// own subscription; receivers filter on Origin.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, fn func(Envelope)) (Subscription, error)
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
