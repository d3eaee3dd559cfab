package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Apply advances the (messageID, userID) entry towards status. A missing
// entry is created as SENT first. The row is locked for the whole
// read-modify-write.
func (r *DeliveryRepository) Apply(ctx context.Context, messageID, userID uuid.UUID, status domain.DeliveryStatus, at time.Time) (domain.DeliveryInfo, bool, error) {
	if !status.IsValid() {
		return domain.DeliveryInfo{}, false, fmt.Errorf("delivery status %q: %w", status, domain.ErrValidation)
	}

	var (
		out     domain.DeliveryInfo
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := domain.DeliveryInfo{MessageID: messageID, UserID: userID, Status: domain.DeliverySent}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var cur domain.DeliveryInfo
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("message_id = ? AND user_id = ?", messageID, userID).
			First(&cur).Error
		if err != nil {
			return err
		}

		out, changed = cur.Advance(status, at)
		if !changed {
			return nil
		}
		return tx.Model(&domain.DeliveryInfo{}).
			Where("message_id = ? AND user_id = ?", messageID, userID).
			Updates(map[string]interface{}{
				"status":       out.Status,
				"delivered_at": out.DeliveredAt,
				"read_at":      out.ReadAt,
			}).Error
	})
	if err != nil {
		return domain.DeliveryInfo{}, false, translate("apply delivery status", err)
	}
	return out, changed, nil
}

func (r *DeliveryRepository) Get(ctx context.Context, messageID, userID uuid.UUID) (domain.DeliveryInfo, error) {
	var d domain.DeliveryInfo
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&d).Error
	if err != nil {
		return domain.DeliveryInfo{}, translate("get delivery info", err)
	}
	return d, nil
}

func (r *DeliveryRepository) ListForMessage(ctx context.Context, messageID uuid.UUID) ([]domain.DeliveryInfo, error) {
	var ds []domain.DeliveryInfo
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("user_id ASC").
		Find(&ds).Error
	if err != nil {
		return nil, translate("list delivery info", err)
	}
	return ds, nil
}
