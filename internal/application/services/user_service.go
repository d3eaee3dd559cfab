package services

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

// UserService serves and edits directory profiles.
type UserService struct {
	users ProfileStore
	media MediaStorage
	log   *zap.Logger
}

func NewUserService(users ProfileStore, media MediaStorage, log *zap.Logger) *UserService {
	return &UserService{users: users, media: media, log: log.Named("users")}
}

// ProfileUpdate holds the fields a user may change. Nil fields are kept.
type ProfileUpdate struct {
	FirstName   *string
	LastName    *string
	Picture     *domain.Media
	PictureBody io.Reader
}

func (s *UserService) GetProfile(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return s.users.FindByID(ctx, id)
}

// UpdateProfile applies upd to the profile of id. A new picture replaces the
// stored one, which is then removed from media storage.
func (s *UserService) UpdateProfile(ctx context.Context, id uuid.UUID, upd ProfileUpdate) (domain.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if upd.FirstName != nil {
		u.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		u.LastName = strings.TrimSpace(*upd.LastName)
	}

	previous := u.ProfilePicture
	stored := ""
	if upd.Picture.Present() {
		if upd.Picture.Kind() != domain.MessageTypeImage {
			return domain.User{}, fmt.Errorf("profile picture must be an image, got %q: %w", upd.Picture.ContentType, domain.ErrValidation)
		}
		if upd.PictureBody == nil {
			return domain.User{}, fmt.Errorf("profile picture %q has no body: %w", upd.Picture.FileName, domain.ErrValidation)
		}
		if stored, err = s.media.Store(ctx, upd.Picture.FileName, upd.Picture.ContentType, upd.PictureBody); err != nil {
			return domain.User{}, err
		}
		u.ProfilePicture = stored
	}

	if err := s.users.UpdateProfile(ctx, u); err != nil {
		if stored != "" {
			s.discard(ctx, stored)
		}
		return domain.User{}, err
	}
	if stored != "" && previous != "" && !isLink(previous) {
		s.discard(ctx, previous)
	}
	s.log.Info("profile_updated", zap.String("user_id", id.String()), zap.Bool("picture", stored != ""))
	return s.users.FindByID(ctx, id)
}

// ProfilePicture returns the stored picture of id. Pictures that are links
// handed over by the identity provider come back as link with no data.
func (s *UserService) ProfilePicture(ctx context.Context, id uuid.UUID) (data []byte, link string, err error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	switch {
	case u.ProfilePicture == "":
		return nil, "", fmt.Errorf("user %s has no profile picture: %w", id, domain.ErrNotFound)
	case isLink(u.ProfilePicture):
		return nil, u.ProfilePicture, nil
	}
	data, err = s.media.Load(ctx, u.ProfilePicture)
	return data, "", err
}

func (s *UserService) discard(ctx context.Context, path string) {
	if err := s.media.Remove(ctx, path); err != nil {
		s.log.Warn("media_cleanup_failed", zap.String("path", path), zap.Error(err))
	}
}

func isLink(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
