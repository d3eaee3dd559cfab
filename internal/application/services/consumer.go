package services

import (
	"context"
	"fmt"

	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/infrastructure/relay"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

// Subscriber is the read side of the event relay.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h relay.Handler) error
}

// EventConsumer applies relayed events idempotently and hands them to the
// broadcaster.
type EventConsumer struct {
	sub         Subscriber
	group       string
	policy      relay.RetryPolicy
	deliveries  DeliveryStore
	reactions   *ReactionService
	broadcaster *Broadcaster
	presence    Presence
	events      events
	metrics     *metrics.Metrics
	log         *zap.Logger
}

type ConsumerDeps struct {
	Subscriber  Subscriber
	Publisher   EventPublisher
	Group       string
	Retry       relay.RetryPolicy
	Deliveries  DeliveryStore
	Reactions   *ReactionService
	Broadcaster *Broadcaster
	Presence    Presence
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

func NewEventConsumer(d ConsumerDeps) *EventConsumer {
	log := d.Log.Named("consumer")
	return &EventConsumer{
		sub:         d.Subscriber,
		group:       d.Group,
		policy:      d.Retry,
		deliveries:  d.Deliveries,
		reactions:   d.Reactions,
		broadcaster: d.Broadcaster,
		presence:    d.Presence,
		events:      events{pub: d.Publisher, log: log, metrics: d.Metrics},
		metrics:     d.Metrics,
		log:         log,
	}
}

// Start subscribes to the three event topics. Consumers run until ctx is
// done or the relay is closed.
func (c *EventConsumer) Start(ctx context.Context) error {
	handlers := map[string]relay.Handler{
		domain.TopicChatMessages:     c.HandleMessage,
		domain.TopicDeliveryStatus:   c.HandleDeliveryStatus,
		domain.TopicMessageReactions: c.HandleReaction,
	}
	for _, topic := range []string{domain.TopicChatMessages, domain.TopicDeliveryStatus, domain.TopicMessageReactions} {
		h := relay.Retry(topic, c.policy, c.log, c.metrics, handlers[topic])
		if err := c.sub.Subscribe(ctx, topic, c.group, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// HandleMessage broadcasts a new message and advances every connected
// recipient to DELIVERED. A failing recipient does not affect the others.
func (c *EventConsumer) HandleMessage(ctx context.Context, env domain.Envelope) error {
	if env.Message == nil {
		return fmt.Errorf("event %s: missing message payload: %w", env.EventID, domain.ErrValidation)
	}
	e := *env.Message
	c.broadcaster.BroadcastNewMessage(e)

	for _, uid := range e.Recipients {
		if !c.presence.Online(uid) {
			continue
		}
		at := now()
		info, changed, err := c.deliveries.Apply(ctx, e.MessageID, uid, domain.DeliveryDelivered, at)
		if err != nil {
			c.log.Warn("auto_deliver_failed",
				zap.String("message_id", e.MessageID.String()),
				zap.String("user_id", uid.String()),
				zap.Error(err))
			continue
		}
		if changed {
			c.events.publish(ctx, domain.NewDeliveryEnvelope(domain.DeliveryStatusEvent{
				MessageID: e.MessageID,
				UserID:    uid,
				Status:    info.Status,
			}, at))
		}
	}
	return nil
}

// HandleDeliveryStatus re-applies a status transition and broadcasts the
// resulting status.
func (c *EventConsumer) HandleDeliveryStatus(ctx context.Context, env domain.Envelope) error {
	if env.Delivery == nil {
		return fmt.Errorf("event %s: missing delivery payload: %w", env.EventID, domain.ErrValidation)
	}
	e := *env.Delivery
	info, _, err := c.deliveries.Apply(ctx, e.MessageID, e.UserID, e.Status, env.Timestamp)
	if err != nil {
		return err
	}
	e.Status = info.Status
	c.broadcaster.BroadcastDeliveryStatus(e)
	return nil
}

// HandleReaction re-applies a reaction change. Changes superseded by a newer
// one are not broadcast.
func (c *EventConsumer) HandleReaction(ctx context.Context, env domain.Envelope) error {
	if env.Reaction == nil {
		return fmt.Errorf("event %s: missing reaction payload: %w", env.EventID, domain.ErrValidation)
	}
	current, err := c.reactions.ApplyEvent(ctx, *env.Reaction, env.Timestamp)
	if err != nil {
		return err
	}
	if !current {
		c.log.Debug("stale_reaction_event_ignored",
			zap.String("event_id", env.EventID.String()),
			zap.String("message_id", env.Reaction.MessageID.String()))
		return nil
	}
	c.broadcaster.BroadcastReaction(*env.Reaction)
	return nil
}
