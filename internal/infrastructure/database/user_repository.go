package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	var u domain.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return domain.User{}, translate(fmt.Sprintf("user %s", id), err)
	}
	return u, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&u).Error
	if err != nil {
		return domain.User{}, translate("user by email", err)
	}
	return u, nil
}

// SearchByName matches query against first name, last name and email,
// case-insensitively.
func (r *UserRepository) SearchByName(ctx context.Context, query string, limit int) ([]domain.User, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var us []domain.User
	err := r.db.WithContext(ctx).
		Where("LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern, pattern).
		Order("first_name ASC").
		Order("last_name ASC").
		Limit(limit).
		Find(&us).Error
	if err != nil {
		return nil, translate("search users", err)
	}
	return us, nil
}

// Sync creates the directory record of an authenticated user on first sight.
// Later syncs only refresh the email, so profile edits survive.
func (r *UserRepository) Sync(ctx context.Context, u domain.User) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email"}),
	}).Create(&u).Error
	return translate("sync user", err)
}

// UpdateProfile writes the editable fields of u.
func (r *UserRepository) UpdateProfile(ctx context.Context, u domain.User) error {
	res := r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", u.ID).
		Updates(map[string]interface{}{
			"first_name":      u.FirstName,
			"last_name":       u.LastName,
			"profile_picture": u.ProfilePicture,
			"updated_at":      now(),
		})
	if res.Error != nil {
		return translate("update profile", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *UserRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		UpdateColumn("last_seen", at).Error
	return translate("touch last seen", err)
}
