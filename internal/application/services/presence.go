package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

// PresenceService turns what realtime clients announce about themselves
// into notifications for the people they chat with.
type PresenceService struct {
	membership  *MembershipService
	users       ProfileStore
	broadcaster *Broadcaster
	log         *zap.Logger
}

func NewPresenceService(membership *MembershipService, users ProfileStore, b *Broadcaster, log *zap.Logger) *PresenceService {
	return &PresenceService{membership: membership, users: users, broadcaster: b, log: log.Named("presence")}
}

// Typing relays a typing indicator from a member to the chat.
func (s *PresenceService) Typing(ctx context.Context, userID, chatID uuid.UUID, typing bool) error {
	if _, err := s.membership.RequireMember(ctx, chatID, userID); err != nil {
		return err
	}
	s.broadcaster.BroadcastTyping(domain.TypingEvent{ChatID: chatID, UserID: userID, IsTyping: typing, Timestamp: now()})
	return nil
}

// Joined announces that a member opened the chat.
func (s *PresenceService) Joined(ctx context.Context, userID, chatID uuid.UUID) error {
	if _, err := s.membership.RequireMember(ctx, chatID, userID); err != nil {
		return err
	}
	s.broadcaster.BroadcastChatEvent(domain.ChatEvent{
		Type:      domain.ChatEventUserJoined,
		ChatID:    chatID,
		UserID:    userID,
		Timestamp: now(),
	})
	return nil
}

// SetStatus publishes a presence change. Going offline records lastSeen.
func (s *PresenceService) SetStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error {
	at := now()
	if status == domain.PresenceOffline {
		if err := s.users.TouchLastSeen(ctx, userID, at); err != nil {
			return err
		}
	}
	s.log.Debug("presence_changed", zap.String("user_id", userID.String()), zap.String("status", string(status)))
	s.broadcaster.BroadcastPresence(domain.PresenceEvent{UserID: userID, Status: status, Timestamp: at})
	return nil
}
