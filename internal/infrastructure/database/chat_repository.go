package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) GetChat(ctx context.Context, chatID uuid.UUID) (domain.Chat, error) {
	var chat domain.Chat
	if err := r.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		return domain.Chat{}, translate(fmt.Sprintf("chat %s", chatID), err)
	}
	return chat, nil
}

// GetParticipant returns the participant row whether or not it is active.
func (r *ChatRepository) GetParticipant(ctx context.Context, chatID, userID uuid.UUID) (domain.Participant, error) {
	var p domain.Participant
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&p).Error
	if err != nil {
		return domain.Participant{}, translate(fmt.Sprintf("participant %s in chat %s", userID, chatID), err)
	}
	return p, nil
}

func (r *ChatRepository) ActiveParticipants(ctx context.Context, chatID uuid.UUID) ([]domain.Participant, error) {
	var ps []domain.Participant
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND left_at IS NULL", chatID).
		Order("joined_at ASC").
		Find(&ps).Error
	if err != nil {
		return nil, translate("list participants", err)
	}
	return ps, nil
}

// ListForUser returns the chats userID actively participates in, most
// recently updated first.
func (r *ChatRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Chat, error) {
	var chats []domain.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id").
		Where("cp.user_id = ? AND cp.left_at IS NULL", userID).
		Order("chats.updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&chats).Error
	if err != nil {
		return nil, translate("list chats", err)
	}
	return chats, nil
}

// CreateIndividual returns the individual chat between a and b, creating it
// when it does not exist yet. The second return value reports creation.
func (r *ChatRepository) CreateIndividual(ctx context.Context, a, b uuid.UUID) (domain.Chat, bool, error) {
	key := domain.PairKey(a, b)
	if chat, err := r.findByPairKey(ctx, key); err == nil {
		return chat, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Chat{}, false, err
	}

	at := now()
	chat := domain.Chat{
		ID:        uuid.New(),
		Type:      domain.ChatTypeIndividual,
		CreatorID: a,
		PairKey:   sql.NullString{String: key, Valid: true},
		CreatedAt: at,
		UpdatedAt: at,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		ps := []domain.Participant{
			{ChatID: chat.ID, UserID: a, Role: domain.RoleMember, JoinedAt: at},
			{ChatID: chat.ID, UserID: b, Role: domain.RoleMember, JoinedAt: at},
		}
		return tx.Create(&ps).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the race against a concurrent create for the same pair
		existing, ferr := r.findByPairKey(ctx, key)
		return existing, false, ferr
	}
	if err != nil {
		return domain.Chat{}, false, translate("create individual chat", err)
	}
	return chat, true, nil
}

func (r *ChatRepository) findByPairKey(ctx context.Context, key string) (domain.Chat, error) {
	var chat domain.Chat
	err := r.db.WithContext(ctx).
		Where("type = ? AND pair_key = ?", domain.ChatTypeIndividual, key).
		First(&chat).Error
	if err != nil {
		return domain.Chat{}, translate("find individual chat", err)
	}
	return chat, nil
}

// CreateGroup persists chat together with its initial participants.
func (r *ChatRepository) CreateGroup(ctx context.Context, chat *domain.Chat, participants []domain.Participant) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		if len(participants) == 0 {
			return nil
		}
		return tx.Create(&participants).Error
	})
	return translate("create group chat", err)
}

// MutateParticipant runs decide with the acting and target rows locked and
// writes its result in the same transaction.
func (r *ChatRepository) MutateParticipant(ctx context.Context, chatID, actingID, targetID uuid.UUID, decide domain.ParticipantDecision) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat domain.Chat
		if err := tx.First(&chat, "id = ?", chatID).Error; err != nil {
			return translate(fmt.Sprintf("chat %s", chatID), err)
		}

		acting, err := lockParticipant(tx, chatID, actingID)
		if err != nil {
			return err
		}
		target := acting
		if targetID != actingID {
			if target, err = lockParticipant(tx, chatID, targetID); err != nil {
				return err
			}
		}

		next, err := decide(chat, acting, target)
		if err != nil || next == nil {
			return err
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "joined_at", "left_at"}),
		}).Create(next).Error
		if err != nil {
			return err
		}
		return tx.Model(&domain.Chat{}).Where("id = ?", chatID).UpdateColumn("updated_at", now()).Error
	})
	return translate("update participant", err)
}

func lockParticipant(tx *gorm.DB, chatID, userID uuid.UUID) (*domain.Participant, error) {
	var p domain.Participant
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateLastRead moves the participant's read marker forward to at.
func (r *ChatRepository) UpdateLastRead(ctx context.Context, chatID, userID uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("chat_id = ? AND user_id = ? AND (last_read_at IS NULL OR last_read_at < ?)", chatID, userID, at).
		Update("last_read_at", at).Error
	return translate("update last read", err)
}

// CountUnread counts messages from other users created after the
// participant's read marker, or after joining when nothing was read yet.
func (r *ChatRepository) CountUnread(ctx context.Context, chatID, userID uuid.UUID) (int64, error) {
	p, err := r.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	since := p.JoinedAt
	if p.LastReadAt.Valid {
		since = p.LastReadAt.Time
	}
	var n int64
	err = r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND is_deleted = ? AND created_at > ?", chatID, userID, false, since).
		Count(&n).Error
	if err != nil {
		return 0, translate("count unread", err)
	}
	return n, nil
}

// SharesChat reports whether a and b are both active participants of at
// least one chat.
func (r *ChatRepository) SharesChat(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Table("chat_participants AS p1").
		Joins("JOIN chat_participants AS p2 ON p2.chat_id = p1.chat_id").
		Where("p1.user_id = ? AND p2.user_id = ? AND p1.left_at IS NULL AND p2.left_at IS NULL", a, b).
		Count(&n).Error
	if err != nil {
		return false, translate("shared chats", err)
	}
	return n > 0, nil
}
