package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReactionRepository struct {
	db *gorm.DB
}

func NewReactionRepository(db *gorm.DB) *ReactionRepository {
	return &ReactionRepository{db: db}
}

// Upsert stores r as the user's only reaction on the message. A stored
// reaction with a newer UpdatedAt wins; applied is false in that case.
func (r *ReactionRepository) Upsert(ctx context.Context, reaction domain.Reaction) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reaction_type", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "message_reactions.updated_at <= excluded.updated_at"},
		}},
	}).Create(&reaction)
	if res.Error != nil {
		return false, translate("upsert reaction", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Delete removes the user's reaction unless it was written after at.
func (r *ReactionRepository) Delete(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND updated_at <= ?", messageID, userID, at).
		Delete(&domain.Reaction{})
	if res.Error != nil {
		return false, translate("delete reaction", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *ReactionRepository) Get(ctx context.Context, messageID, userID uuid.UUID) (domain.Reaction, error) {
	var rc domain.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&rc).Error
	if err != nil {
		return domain.Reaction{}, translate("get reaction", err)
	}
	return rc, nil
}

func (r *ReactionRepository) ListForMessage(ctx context.Context, messageID uuid.UUID) ([]domain.Reaction, error) {
	var rs []domain.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("updated_at ASC").
		Find(&rs).Error
	if err != nil {
		return nil, translate("list reactions", err)
	}
	return rs, nil
}
