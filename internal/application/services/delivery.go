package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

// DeliveryService tracks the SENT -> DELIVERED -> READ progress of a message
// per recipient.
type DeliveryService struct {
	membership *MembershipService
	chats      ChatStore
	messages   MessageStore
	deliveries DeliveryStore
	events     events
	log        *zap.Logger
}

func NewDeliveryService(membership *MembershipService, chats ChatStore, messages MessageStore, deliveries DeliveryStore, pub EventPublisher, m *metrics.Metrics, log *zap.Logger) *DeliveryService {
	log = log.Named("delivery")
	return &DeliveryService{
		membership: membership,
		chats:      chats,
		messages:   messages,
		deliveries: deliveries,
		events:     events{pub: pub, log: log, metrics: m},
		log:        log,
	}
}

// Apply moves the entry of (messageID, userID) to max(current, status).
func (s *DeliveryService) Apply(ctx context.Context, messageID, userID uuid.UUID, status domain.DeliveryStatus) (domain.DeliveryInfo, bool, error) {
	return s.deliveries.Apply(ctx, messageID, userID, status, now())
}

func (s *DeliveryService) MarkAsRead(ctx context.Context, messageID, userID uuid.UUID) (domain.DeliveryInfo, error) {
	return s.mark(ctx, messageID, userID, domain.DeliveryRead)
}

// MarkAsDelivered records a client acknowledgement of receipt.
func (s *DeliveryService) MarkAsDelivered(ctx context.Context, messageID, userID uuid.UUID) (domain.DeliveryInfo, error) {
	return s.mark(ctx, messageID, userID, domain.DeliveryDelivered)
}

func (s *DeliveryService) mark(ctx context.Context, messageID, userID uuid.UUID, status domain.DeliveryStatus) (domain.DeliveryInfo, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return domain.DeliveryInfo{}, err
	}
	if _, err := s.membership.RequireMember(ctx, msg.ChatID, userID); err != nil {
		return domain.DeliveryInfo{}, err
	}
	// senders have no delivery entry for their own messages
	if msg.SenderID == userID {
		return domain.DeliveryInfo{MessageID: messageID, UserID: userID}, nil
	}

	at := now()
	info, changed, err := s.deliveries.Apply(ctx, messageID, userID, status, at)
	if err != nil {
		return domain.DeliveryInfo{}, err
	}
	if status == domain.DeliveryRead {
		if err := s.chats.UpdateLastRead(ctx, msg.ChatID, userID, msg.CreatedAt); err != nil {
			s.log.Warn("update_last_read_failed",
				zap.String("chat_id", msg.ChatID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
	if !changed {
		return info, nil
	}

	s.events.publish(ctx, domain.NewDeliveryEnvelope(domain.DeliveryStatusEvent{
		MessageID: messageID,
		UserID:    userID,
		Status:    info.Status,
	}, at))
	return info, nil
}

// ListDelivery returns every recipient's entry for a message to a member of
// its chat.
func (s *DeliveryService) ListDelivery(ctx context.Context, messageID, userID uuid.UUID) ([]domain.DeliveryInfo, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership.RequireMember(ctx, msg.ChatID, userID); err != nil {
		return nil, err
	}
	return s.deliveries.ListForMessage(ctx, messageID)
}
