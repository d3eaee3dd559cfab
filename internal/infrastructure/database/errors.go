package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/masjids-io/chatspot/internal/domain"
	"gorm.io/gorm"
)

// translate maps gorm errors onto the domain sentinels. Errors that already
// carry a domain kind pass through unchanged.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrConflict)
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrInvalidOperation),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrIOFailure):
		return err
	default:
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrIOFailure)
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
