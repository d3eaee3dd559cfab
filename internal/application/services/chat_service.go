package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ChatSummary is a chat as seen by one participant.
type ChatSummary struct {
	Chat         domain.Chat          `json:"chat"`
	Participants []domain.Participant `json:"participants"`
	UnreadCount  int64                `json:"unread_count"`
}

// ChatService creates chats and serves the read side of chats and messages.
type ChatService struct {
	chats      ChatStore
	messages   MessageStore
	users      UserDirectory
	membership *MembershipService
	log        *zap.Logger
}

func NewChatService(chats ChatStore, messages MessageStore, users UserDirectory, membership *MembershipService, log *zap.Logger) *ChatService {
	return &ChatService{
		chats:      chats,
		messages:   messages,
		users:      users,
		membership: membership,
		log:        log.Named("chats"),
	}
}

// CreateIndividualChat returns the one-to-one chat between userID and
// otherID, creating it on first use.
func (s *ChatService) CreateIndividualChat(ctx context.Context, userID, otherID uuid.UUID) (domain.Chat, error) {
	if userID == otherID {
		return domain.Chat{}, fmt.Errorf("cannot chat with yourself: %w", domain.ErrValidation)
	}
	if _, err := s.users.FindByID(ctx, otherID); err != nil {
		return domain.Chat{}, fmt.Errorf("participant %s: %w", otherID, err)
	}
	chat, created, err := s.chats.CreateIndividual(ctx, userID, otherID)
	if err != nil {
		return domain.Chat{}, err
	}
	if created {
		s.log.Info("individual_chat_created",
			zap.String("chat_id", chat.ID.String()),
			zap.String("user_id", userID.String()),
			zap.String("partner_id", otherID.String()))
	}
	return chat, nil
}

// CreateGroupChat creates a group with creatorID as its only admin and the
// other given users as members.
func (s *ChatService) CreateGroupChat(ctx context.Context, creatorID uuid.UUID, name, description string, participantIDs []uuid.UUID) (domain.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Chat{}, fmt.Errorf("group name is required: %w", domain.ErrValidation)
	}

	at := now()
	chat := domain.Chat{
		ID:        uuid.New(),
		Type:      domain.ChatTypeGroup,
		Name:      sql.NullString{String: name, Valid: true},
		CreatorID: creatorID,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if d := strings.TrimSpace(description); d != "" {
		chat.Description = sql.NullString{String: d, Valid: true}
	}

	participants := []domain.Participant{{ChatID: chat.ID, UserID: creatorID, Role: domain.RoleAdmin, JoinedAt: at}}
	seen := map[uuid.UUID]bool{creatorID: true}
	for _, id := range participantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.users.FindByID(ctx, id); err != nil {
			return domain.Chat{}, fmt.Errorf("participant %s: %w", id, err)
		}
		participants = append(participants, domain.Participant{ChatID: chat.ID, UserID: id, Role: domain.RoleMember, JoinedAt: at})
	}

	if err := s.chats.CreateGroup(ctx, &chat, participants); err != nil {
		return domain.Chat{}, err
	}
	s.log.Info("group_chat_created",
		zap.String("chat_id", chat.ID.String()),
		zap.String("creator_id", creatorID.String()),
		zap.Int("participants", len(participants)))
	return chat, nil
}

func (s *ChatService) GetChat(ctx context.Context, chatID, userID uuid.UUID) (ChatSummary, error) {
	if _, err := s.membership.RequireMember(ctx, chatID, userID); err != nil {
		return ChatSummary{}, err
	}
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return ChatSummary{}, err
	}
	return s.summarize(ctx, chat, userID)
}

// ListChats returns the chats userID takes part in, most recently active
// first.
func (s *ChatService) ListChats(ctx context.Context, userID uuid.UUID, limit, offset int) ([]ChatSummary, error) {
	chats, err := s.chats.ListForUser(ctx, userID, pageSize(limit), max(offset, 0))
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		sum, err := s.summarize(ctx, c, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *ChatService) summarize(ctx context.Context, chat domain.Chat, userID uuid.UUID) (ChatSummary, error) {
	ps, err := s.chats.ActiveParticipants(ctx, chat.ID)
	if err != nil {
		return ChatSummary{}, err
	}
	unread, err := s.chats.CountUnread(ctx, chat.ID, userID)
	if err != nil {
		return ChatSummary{}, err
	}
	return ChatSummary{Chat: chat, Participants: ps, UnreadCount: unread}, nil
}

// GetMessages pages backwards through a chat's history, newest first.
func (s *ChatService) GetMessages(ctx context.Context, chatID, userID uuid.UUID, before time.Time, limit int) ([]domain.Message, error) {
	if _, err := s.membership.RequireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.messages.ListByChat(ctx, chatID, before, pageSize(limit))
}

func (s *ChatService) CountUnread(ctx context.Context, chatID, userID uuid.UUID) (int64, error) {
	if _, err := s.membership.RequireMember(ctx, chatID, userID); err != nil {
		return 0, err
	}
	return s.chats.CountUnread(ctx, chatID, userID)
}

func (s *ChatService) SearchUsers(ctx context.Context, query string, limit int) ([]domain.User, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is required: %w", domain.ErrValidation)
	}
	return s.users.SearchByName(ctx, query, pageSize(limit))
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
