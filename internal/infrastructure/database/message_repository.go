package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"gorm.io/gorm"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateWithRecipients persists msg and one SENT delivery entry for every
// active participant other than the sender, in one transaction. It returns
// the recipients.
func (r *MessageRepository) CreateWithRecipients(ctx context.Context, msg *domain.Message) ([]uuid.UUID, error) {
	var recipients []uuid.UUID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recipients = recipients[:0]
		err := tx.Model(&domain.Participant{}).
			Where("chat_id = ? AND left_at IS NULL AND user_id <> ?", msg.ChatID, msg.SenderID).
			Order("joined_at ASC").
			Pluck("user_id", &recipients).Error
		if err != nil {
			return err
		}

		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		if len(recipients) > 0 {
			infos := make([]domain.DeliveryInfo, 0, len(recipients))
			for _, uid := range recipients {
				infos = append(infos, domain.DeliveryInfo{
					MessageID: msg.ID,
					UserID:    uid,
					Status:    domain.DeliverySent,
				})
			}
			if err := tx.Create(&infos).Error; err != nil {
				return fmt.Errorf("failed to create delivery entries: %w", err)
			}
		}

		return tx.Model(&domain.Chat{}).Where("id = ?", msg.ChatID).UpdateColumn("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, translate("create message", err)
	}
	return recipients, nil
}

func (r *MessageRepository) Get(ctx context.Context, messageID uuid.UUID) (domain.Message, error) {
	var m domain.Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", messageID).Error; err != nil {
		return domain.Message{}, translate(fmt.Sprintf("message %s", messageID), err)
	}
	return m, nil
}

// ListByChat returns up to limit messages of a chat, newest first. A
// non-zero before restricts the page to messages created earlier.
func (r *MessageRepository) ListByChat(ctx context.Context, chatID uuid.UUID, before time.Time, limit int) ([]domain.Message, error) {
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	var msgs []domain.Message
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, translate("failed to get messages", err)
	}
	return msgs, nil
}

// MarkDeleted flags the message as deleted. It reports false when the
// message was already deleted.
func (r *MessageRepository) MarkDeleted(ctx context.Context, messageID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND is_deleted = ?", messageID, false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": sql.NullTime{Time: at, Valid: true},
			"updated_at": at,
		})
	if res.Error != nil {
		return false, translate("delete message", res.Error)
	}
	return res.RowsAffected > 0, nil
}
