package services

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

type ChatStore interface {
	GetChat(ctx context.Context, chatID uuid.UUID) (domain.Chat, error)
	GetParticipant(ctx context.Context, chatID, userID uuid.UUID) (domain.Participant, error)
	ActiveParticipants(ctx context.Context, chatID uuid.UUID) ([]domain.Participant, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Chat, error)
	CreateIndividual(ctx context.Context, a, b uuid.UUID) (domain.Chat, bool, error)
	CreateGroup(ctx context.Context, chat *domain.Chat, participants []domain.Participant) error
	MutateParticipant(ctx context.Context, chatID, actingID, targetID uuid.UUID, decide domain.ParticipantDecision) error
	UpdateLastRead(ctx context.Context, chatID, userID uuid.UUID, at time.Time) error
	CountUnread(ctx context.Context, chatID, userID uuid.UUID) (int64, error)
	SharesChat(ctx context.Context, a, b uuid.UUID) (bool, error)
}

type MessageStore interface {
	CreateWithRecipients(ctx context.Context, msg *domain.Message) ([]uuid.UUID, error)
	Get(ctx context.Context, messageID uuid.UUID) (domain.Message, error)
	ListByChat(ctx context.Context, chatID uuid.UUID, before time.Time, limit int) ([]domain.Message, error)
	MarkDeleted(ctx context.Context, messageID uuid.UUID, at time.Time) (bool, error)
}

type DeliveryStore interface {
	Apply(ctx context.Context, messageID, userID uuid.UUID, status domain.DeliveryStatus, at time.Time) (domain.DeliveryInfo, bool, error)
	Get(ctx context.Context, messageID, userID uuid.UUID) (domain.DeliveryInfo, error)
	ListForMessage(ctx context.Context, messageID uuid.UUID) ([]domain.DeliveryInfo, error)
}

type ReactionStore interface {
	Upsert(ctx context.Context, r domain.Reaction) (bool, error)
	Delete(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (bool, error)
	Get(ctx context.Context, messageID, userID uuid.UUID) (domain.Reaction, error)
	ListForMessage(ctx context.Context, messageID uuid.UUID) ([]domain.Reaction, error)
}

// UserDirectory resolves users. Lookups of unknown users fail with
// domain.ErrNotFound.
type UserDirectory interface {
	FindByID(ctx context.Context, id uuid.UUID) (domain.User, error)
	FindByEmail(ctx context.Context, email string) (domain.User, error)
	SearchByName(ctx context.Context, query string, limit int) ([]domain.User, error)
	Sync(ctx context.Context, u domain.User) error
}

// ProfileStore is the writable side of the user directory.
type ProfileStore interface {
	UserDirectory
	UpdateProfile(ctx context.Context, u domain.User) error
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MembershipListener hears about participant changes after they are
// committed. Implementations must not block.
type MembershipListener interface {
	ParticipantAdded(chatID, userID, actorID uuid.UUID)
	ParticipantRemoved(chatID, userID, actorID uuid.UUID)
}

// MediaStorage keeps attachment bytes. Failures carry domain.ErrIOFailure.
type MediaStorage interface {
	Store(ctx context.Context, name, contentType string, r io.Reader) (string, error)
	Load(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
}

// EventPublisher is the write side of the event relay.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, env domain.Envelope) error
}

// Presence reports whether a user has a live realtime connection.
type Presence interface {
	Online(userID uuid.UUID) bool
}

// RealtimePublisher pushes an encoded frame to every subscriber of topic.
type RealtimePublisher interface {
	Publish(topic string, payload []byte) error
}

// events publishes envelopes after the corresponding mutation has been
// committed. Failures are logged and counted but never returned: the
// mutation is already durable.
type events struct {
	pub     EventPublisher
	log     *zap.Logger
	metrics *metrics.Metrics
}

func (e events) publish(ctx context.Context, env domain.Envelope) {
	topic, key, err := env.Topic()
	if err == nil {
		err = e.pub.Publish(ctx, topic, key, env)
	}
	if err != nil {
		e.metrics.RelayPublishFailures.WithLabelValues(topic).Inc()
		fields := []zap.Field{
			zap.String("topic", topic),
			zap.String("event_id", env.EventID.String()),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		}
		switch {
		case env.Message != nil:
			fields = append(fields, zap.String("message_id", env.Message.MessageID.String()))
		case env.Reaction != nil:
			fields = append(fields, zap.String("message_id", env.Reaction.MessageID.String()))
		case env.Delivery != nil:
			fields = append(fields, zap.String("message_id", env.Delivery.MessageID.String()))
		}
		e.log.Error("event_publish_failed", fields...)
		return
	}
	e.metrics.RelayPublished.WithLabelValues(topic).Inc()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
