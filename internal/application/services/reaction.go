package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

// ReactionService keeps at most one reaction per user per message.
type ReactionService struct {
	membership *MembershipService
	messages   MessageStore
	reactions  ReactionStore
	events     events
	log        *zap.Logger
}

func NewReactionService(membership *MembershipService, messages MessageStore, reactions ReactionStore, pub EventPublisher, m *metrics.Metrics, log *zap.Logger) *ReactionService {
	log = log.Named("reactions")
	return &ReactionService{
		membership: membership,
		messages:   messages,
		reactions:  reactions,
		events:     events{pub: pub, log: log, metrics: m},
		log:        log,
	}
}

func (s *ReactionService) authorize(ctx context.Context, messageID, userID uuid.UUID) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	_, err = s.membership.RequireMember(ctx, msg.ChatID, userID)
	return err
}

// writeAttempts bounds how often a user's own reaction change is retried
// against a stored row stamped later than this instance's clock.
const writeAttempts = 3

// AddReaction sets the user's reaction on a message, replacing any earlier
// one.
func (s *ReactionService) AddReaction(ctx context.Context, messageID, userID uuid.UUID, reactionType string) (domain.Reaction, error) {
	rt, err := domain.ParseReactionType(reactionType)
	if err != nil {
		return domain.Reaction{}, err
	}
	if err := s.authorize(ctx, messageID, userID); err != nil {
		return domain.Reaction{}, err
	}

	r := domain.Reaction{MessageID: messageID, UserID: userID, ReactionType: rt, UpdatedAt: now()}
	for attempt := 1; ; attempt++ {
		applied, err := s.reactions.Upsert(ctx, r)
		if err != nil {
			return domain.Reaction{}, err
		}
		if applied {
			break
		}
		if attempt == writeAttempts {
			return domain.Reaction{}, fmt.Errorf("reaction of %s on %s: newer change stored: %w", userID, messageID, domain.ErrConflict)
		}
		if r.UpdatedAt, _, err = s.stampAfterStored(ctx, messageID, userID, r.UpdatedAt); err != nil {
			return domain.Reaction{}, err
		}
	}

	s.events.publish(ctx, domain.NewReactionEnvelope(domain.ReactionEvent{
		MessageID:    messageID,
		UserID:       userID,
		ReactionType: rt,
	}, r.UpdatedAt))
	return r, nil
}

// RemoveReaction deletes the user's reaction. Removing a missing reaction
// succeeds.
func (s *ReactionService) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID) error {
	if err := s.authorize(ctx, messageID, userID); err != nil {
		return err
	}
	at := now()
	for attempt := 1; ; attempt++ {
		removed, err := s.reactions.Delete(ctx, messageID, userID, at)
		if err != nil {
			return err
		}
		if removed {
			break
		}
		next, stored, err := s.stampAfterStored(ctx, messageID, userID, at)
		if err != nil {
			return err
		}
		if !stored {
			break
		}
		if attempt == writeAttempts {
			return fmt.Errorf("reaction of %s on %s: newer change stored: %w", userID, messageID, domain.ErrConflict)
		}
		at = next
	}

	s.events.publish(ctx, domain.NewReactionEnvelope(domain.ReactionEvent{
		MessageID: messageID,
		UserID:    userID,
		Removed:   true,
	}, at))
	return nil
}

// stampAfterStored returns a timestamp that orders after the stored reaction
// of userID, or at itself when nothing later is stored. stored is false when
// the user has no reaction on the message.
func (s *ReactionService) stampAfterStored(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (time.Time, bool, error) {
	cur, err := s.reactions.Get(ctx, messageID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return at, false, nil
	}
	if err != nil {
		return at, false, err
	}
	if cur.UpdatedAt.Before(at) {
		return at, true, nil
	}
	s.log.Warn("reaction_clock_behind_stored",
		zap.String("message_id", messageID.String()),
		zap.String("user_id", userID.String()),
		zap.Duration("skew", cur.UpdatedAt.Sub(at)))
	return cur.UpdatedAt.Add(time.Microsecond), true, nil
}

func (s *ReactionService) ListReactions(ctx context.Context, messageID, userID uuid.UUID) ([]domain.Reaction, error) {
	if err := s.authorize(ctx, messageID, userID); err != nil {
		return nil, err
	}
	return s.reactions.ListForMessage(ctx, messageID)
}

// ApplyEvent re-applies a relayed reaction change. It reports false when a
// newer change for the same user and message is already stored.
func (s *ReactionService) ApplyEvent(ctx context.Context, e domain.ReactionEvent, at time.Time) (bool, error) {
	if !e.Removed {
		if !e.ReactionType.IsValid() {
			return false, fmt.Errorf("reaction type %q: %w", e.ReactionType, domain.ErrValidation)
		}
		return s.reactions.Upsert(ctx, domain.Reaction{
			MessageID:    e.MessageID,
			UserID:       e.UserID,
			ReactionType: e.ReactionType,
			UpdatedAt:    at,
		})
	}
	if _, err := s.reactions.Delete(ctx, e.MessageID, e.UserID, at); err != nil {
		return false, err
	}
	cur, err := s.reactions.Get(ctx, e.MessageID, e.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !cur.UpdatedAt.After(at), nil
}
