package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

// LocalStore keeps attachments on the local filesystem under a root
// directory. Stored paths are relative to that root and use forward slashes.
type LocalStore struct {
	root    string
	maxSize int64
	log     *zap.Logger
}

func NewLocalStore(root string, maxSize int64, log *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &LocalStore{root: root, maxSize: maxSize, log: log.Named("media")}, nil
}

// Store copies r into a new file and returns its path. Reads beyond the
// configured maximum size fail with ErrValidation.
func (s *LocalStore) Store(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	rel := path.Join(time.Now().UTC().Format("2006/01"), uuid.NewString()+ext)
	full := filepath.Join(s.root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create media dir: %v: %w", err, domain.ErrIOFailure)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create media file: %v: %w", err, domain.ErrIOFailure)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = fmt.Errorf("attachment larger than %d bytes: %w", s.maxSize, domain.ErrValidation)
	}
	if err != nil {
		_ = os.Remove(full)
		if errors.Is(err, domain.ErrValidation) {
			return "", err
		}
		return "", fmt.Errorf("write media file: %v: %w", err, domain.ErrIOFailure)
	}

	s.log.Debug("media_stored", zap.String("path", rel), zap.String("content_type", contentType), zap.Int64("size", n))
	return rel, nil
}

func (s *LocalStore) Load(ctx context.Context, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("media %s: %w", rel, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read media %s: %v: %w", rel, err, domain.ErrIOFailure)
	}
	return b, nil
}

// Remove deletes a stored file. Missing files are ignored.
func (s *LocalStore) Remove(ctx context.Context, rel string) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media %s: %v: %w", rel, err, domain.ErrIOFailure)
	}
	return nil
}

func (s *LocalStore) resolve(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || clean != "/"+rel {
		return "", fmt.Errorf("media path %q: %w", rel, domain.ErrValidation)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
