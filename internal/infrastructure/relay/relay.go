// Package relay is the asynchronous event bus between the write path and the
// event consumers. Delivery is at-least-once and ordered per partition key.
package relay

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/masjids-io/chatspot/internal/domain"
)

var (
	ErrClosed            = errors.New("relay closed")
	ErrAlreadySubscribed = errors.New("group already subscribed to topic")
)

// Handler processes one envelope. A nil return acknowledges it.
type Handler func(ctx context.Context, env domain.Envelope) error

type Relay interface {
	// Publish appends env to topic. Envelopes with the same key land on the
	// same partition and are handled in publish order.
	Publish(ctx context.Context, topic, key string, env domain.Envelope) error
	// Subscribe starts one consumer per partition of topic for group. It
	// returns once the consumers are running; they stop when ctx is done or
	// the relay is closed.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// Partition maps key onto one of n partitions with FNV-1a.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// PublishEnvelope publishes env on the topic and key derived from its payload.
func PublishEnvelope(ctx context.Context, r Relay, env domain.Envelope) error {
	topic, key, err := env.Topic()
	if err != nil {
		return err
	}
	return r.Publish(ctx, topic, key, env)
}
