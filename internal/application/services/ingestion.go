package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

type SendRequest struct {
	ChatID   uuid.UUID
	SenderID uuid.UUID
	Text     string
	// Media describes an optional attachment whose bytes are read from
	// MediaBody.
	Media     *domain.Media
	MediaBody io.Reader
	ReplyTo   uuid.NullUUID
}

// IngestionService turns a send request into a durable message, its
// delivery entries and a MessageEvent.
type IngestionService struct {
	membership *MembershipService
	messages   MessageStore
	media      MediaStorage
	events     events
	log        *zap.Logger
}

func NewIngestionService(membership *MembershipService, messages MessageStore, media MediaStorage, pub EventPublisher, m *metrics.Metrics, log *zap.Logger) *IngestionService {
	log = log.Named("ingestion")
	return &IngestionService{
		membership: membership,
		messages:   messages,
		media:      media,
		events:     events{pub: pub, log: log, metrics: m},
		log:        log,
	}
}

func (s *IngestionService) SendMessage(ctx context.Context, req SendRequest) (domain.Message, error) {
	if _, err := s.membership.RequireMember(ctx, req.ChatID, req.SenderID); err != nil {
		return domain.Message{}, err
	}

	msgType, ok := domain.ResolveMessageType(req.Text, req.Media)
	if !ok {
		return domain.Message{}, fmt.Errorf("message has neither text nor media: %w", domain.ErrValidation)
	}

	if req.ReplyTo.Valid {
		parent, err := s.messages.Get(ctx, req.ReplyTo.UUID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, err
		}
		if err != nil || parent.ChatID != req.ChatID {
			return domain.Message{}, fmt.Errorf("reply target %s is not in chat %s: %w", req.ReplyTo.UUID, req.ChatID, domain.ErrValidation)
		}
	}

	at := now()
	msg := domain.Message{
		ID:               uuid.New(),
		ChatID:           req.ChatID,
		SenderID:         req.SenderID,
		Type:             msgType,
		ReplyToMessageID: req.ReplyTo,
		Status:           domain.MessageStatusSent,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	// whitespace only counts for emptiness; content is stored as sent
	if strings.TrimSpace(req.Text) != "" {
		msg.Content = sql.NullString{String: req.Text, Valid: true}
	}

	if req.Media.Present() {
		if req.MediaBody == nil {
			return domain.Message{}, fmt.Errorf("attachment %q has no body: %w", req.Media.FileName, domain.ErrValidation)
		}
		path, err := s.media.Store(ctx, req.Media.FileName, req.Media.ContentType, req.MediaBody)
		if err != nil {
			return domain.Message{}, err
		}
		msg.FileName = sql.NullString{String: req.Media.FileName, Valid: true}
		msg.FilePath = sql.NullString{String: path, Valid: true}
		msg.FileSize = sql.NullInt64{Int64: req.Media.Size, Valid: true}
		msg.MimeType = sql.NullString{String: req.Media.ContentType, Valid: req.Media.ContentType != ""}
	}

	recipients, err := s.messages.CreateWithRecipients(ctx, &msg)
	if err != nil {
		if msg.FilePath.Valid {
			if rerr := s.media.Remove(ctx, msg.FilePath.String); rerr != nil {
				s.log.Warn("media_cleanup_failed", zap.String("path", msg.FilePath.String), zap.Error(rerr))
			}
		}
		return domain.Message{}, err
	}
	s.log.Info("message_saved",
		zap.String("message_id", msg.ID.String()),
		zap.String("chat_id", msg.ChatID.String()),
		zap.String("type", string(msg.Type)),
		zap.Int("recipients", len(recipients)))

	s.events.publish(ctx, domain.NewMessageEnvelope(domain.MessageEvent{
		MessageID:        msg.ID,
		ChatID:           msg.ChatID,
		SenderID:         msg.SenderID,
		Content:          msg.Content.String,
		MessageType:      msg.Type,
		Recipients:       recipients,
		ReplyToMessageID: msg.ReplyToMessageID,
	}, at))
	return msg, nil
}

// DeleteMessage flags a message as deleted. Only its sender may do so;
// deleting twice is a no-op.
func (s *IngestionService) DeleteMessage(ctx context.Context, messageID, userID uuid.UUID) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return fmt.Errorf("only the sender can delete message %s: %w", messageID, domain.ErrForbidden)
	}
	deleted, err := s.messages.MarkDeleted(ctx, messageID, now())
	if err != nil {
		return err
	}
	if deleted {
		s.log.Info("message_deleted", zap.String("message_id", messageID.String()), zap.String("chat_id", msg.ChatID.String()))
	}
	return nil
}

// OpenMedia returns the attachment bytes of a message to a chat member.
func (s *IngestionService) OpenMedia(ctx context.Context, messageID, userID uuid.UUID) (domain.Message, []byte, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	if _, err := s.membership.RequireMember(ctx, msg.ChatID, userID); err != nil {
		return domain.Message{}, nil, err
	}
	if !msg.FilePath.Valid || msg.IsDeleted {
		return domain.Message{}, nil, fmt.Errorf("message %s has no attachment: %w", messageID, domain.ErrNotFound)
	}
	b, err := s.media.Load(ctx, msg.FilePath.String)
	if err != nil {
		return domain.Message{}, nil, err
	}
	return msg, b, nil
}
