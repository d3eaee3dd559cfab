package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

// MembershipService answers who may act on a chat and owns participant
// changes.
type MembershipService struct {
	chats     ChatStore
	messages  MessageStore
	users     UserDirectory
	listeners []MembershipListener
	log       *zap.Logger
}

func NewMembershipService(chats ChatStore, messages MessageStore, users UserDirectory, log *zap.Logger) *MembershipService {
	return &MembershipService{chats: chats, messages: messages, users: users, log: log.Named("membership")}
}

// Listen registers l for participant changes. Listeners are called in
// registration order; register them all before serving requests.
func (s *MembershipService) Listen(l MembershipListener) {
	s.listeners = append(s.listeners, l)
}

func (s *MembershipService) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	p, err := s.chats.GetParticipant(ctx, chatID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active(), nil
}

func (s *MembershipService) IsAdmin(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	p, err := s.chats.GetParticipant(ctx, chatID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsAdmin(), nil
}

// RequireMember returns the active participant row of userID. It fails with
// ErrNotFound for an unknown chat and ErrForbidden for non-members.
func (s *MembershipService) RequireMember(ctx context.Context, chatID, userID uuid.UUID) (domain.Participant, error) {
	p, err := s.chats.GetParticipant(ctx, chatID, userID)
	if err == nil && p.Active() {
		return p, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Participant{}, err
	}
	if _, cerr := s.chats.GetChat(ctx, chatID); cerr != nil {
		return domain.Participant{}, cerr
	}
	return domain.Participant{}, fmt.Errorf("user %s is not a participant of chat %s: %w", userID, chatID, domain.ErrForbidden)
}

// AddParticipant adds targetID to a group chat as MEMBER, reactivating a
// previous membership. Only active admins may add. Adding an active member
// is a no-op.
func (s *MembershipService) AddParticipant(ctx context.Context, chatID, actingID, targetID uuid.UUID) error {
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Type == domain.ChatTypeIndividual {
		return fmt.Errorf("cannot add participants to individual chat %s: %w", chat.ID, domain.ErrInvalidOperation)
	}
	if admin, err := s.IsAdmin(ctx, chatID, actingID); err != nil {
		return err
	} else if !admin {
		return fmt.Errorf("only admins can add participants: %w", domain.ErrForbidden)
	}
	if _, err := s.users.FindByID(ctx, targetID); err != nil {
		return fmt.Errorf("participant %s: %w", targetID, err)
	}
	added := false
	err = s.chats.MutateParticipant(ctx, chatID, actingID, targetID, func(chat domain.Chat, acting, target *domain.Participant) (*domain.Participant, error) {
		if !acting.IsAdmin() {
			return nil, fmt.Errorf("only admins can add participants: %w", domain.ErrForbidden)
		}
		if target.Active() {
			return nil, nil
		}
		added = true
		return &domain.Participant{
			ChatID:   chat.ID,
			UserID:   targetID,
			Role:     domain.RoleMember,
			JoinedAt: now(),
		}, nil
	})
	if err != nil || !added {
		return err
	}
	s.log.Info("participant_added",
		zap.String("chat_id", chatID.String()),
		zap.String("user_id", targetID.String()),
		zap.String("by", actingID.String()))
	for _, l := range s.listeners {
		l.ParticipantAdded(chatID, targetID, actingID)
	}
	return nil
}

// RemoveParticipant marks targetID as having left a group chat. Members may
// remove themselves; removing anyone else takes an active admin.
func (s *MembershipService) RemoveParticipant(ctx context.Context, chatID, actingID, targetID uuid.UUID) error {
	err := s.chats.MutateParticipant(ctx, chatID, actingID, targetID, func(chat domain.Chat, acting, target *domain.Participant) (*domain.Participant, error) {
		if chat.Type == domain.ChatTypeIndividual {
			return nil, fmt.Errorf("cannot remove participants from individual chat %s: %w", chat.ID, domain.ErrInvalidOperation)
		}
		if actingID != targetID && !acting.IsAdmin() {
			return nil, fmt.Errorf("only admins can remove other participants: %w", domain.ErrForbidden)
		}
		if !target.Active() {
			return nil, fmt.Errorf("user %s is not an active participant of chat %s: %w", targetID, chat.ID, domain.ErrNotFound)
		}
		left := *target
		left.LeftAt = sql.NullTime{Time: now(), Valid: true}
		return &left, nil
	})
	if err != nil {
		return err
	}
	s.log.Info("participant_removed",
		zap.String("chat_id", chatID.String()),
		zap.String("user_id", targetID.String()),
		zap.String("by", actingID.String()))
	for _, l := range s.listeners {
		l.ParticipantRemoved(chatID, targetID, actingID)
	}
	return nil
}

// Realtime topic names.
func ChatTopic(chatID uuid.UUID) string         { return "chat/" + chatID.String() }
func ChatEventsTopic(chatID uuid.UUID) string   { return "chat/" + chatID.String() + "/events" }
func TypingTopic(chatID uuid.UUID) string       { return "chat/" + chatID.String() + "/typing" }
func UserMessagesTopic(userID uuid.UUID) string { return "user/" + userID.String() + "/messages" }
func PresenceTopic(userID uuid.UUID) string     { return "user/" + userID.String() + "/presence" }
func ReactionsTopic(messageID uuid.UUID) string { return "message/" + messageID.String() + "/reactions" }
func DeliveryTopic(messageID uuid.UUID) string  { return "message/" + messageID.String() + "/delivery" }

// AuthorizeTopic checks that userID may subscribe to a realtime topic. It
// returns the chat the topic belongs to, or uuid.Nil for topics that are not
// scoped to a chat; leaving that chat revokes the subscription.
func (s *MembershipService) AuthorizeTopic(ctx context.Context, userID uuid.UUID, topic string) (uuid.UUID, error) {
	parts := strings.Split(topic, "/")
	invalid := fmt.Errorf("unknown topic %q: %w", topic, domain.ErrValidation)
	if len(parts) < 2 || len(parts) > 3 {
		return uuid.Nil, invalid
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, invalid
	}
	suffix := ""
	if len(parts) == 3 {
		suffix = parts[2]
	}

	switch {
	case parts[0] == "chat" && (suffix == "" || suffix == "events" || suffix == "typing"):
		if _, err := s.RequireMember(ctx, id, userID); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	case parts[0] == "user" && suffix == "messages":
		if id != userID {
			return uuid.Nil, fmt.Errorf("topic %s belongs to another user: %w", topic, domain.ErrForbidden)
		}
		return uuid.Nil, nil
	case parts[0] == "user" && suffix == "presence":
		if id == userID {
			return uuid.Nil, nil
		}
		shared, err := s.chats.SharesChat(ctx, userID, id)
		if err != nil {
			return uuid.Nil, err
		}
		if !shared {
			return uuid.Nil, fmt.Errorf("no chat shared with user %s: %w", id, domain.ErrForbidden)
		}
		return uuid.Nil, nil
	case parts[0] == "message" && (suffix == "reactions" || suffix == "delivery"):
		msg, err := s.messages.Get(ctx, id)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := s.RequireMember(ctx, msg.ChatID, userID); err != nil {
			return uuid.Nil, err
		}
		return msg.ChatID, nil
	}
	return uuid.Nil, invalid
}
