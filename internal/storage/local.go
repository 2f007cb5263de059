package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	"go.uber.org/zap"
)

// LocalStorage writes objects below a root directory.
type LocalStorage struct {
	root string
	log  *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) (Storage, error) {
	return NewLocalStorage(cfg.Storage.Dir, log)
}

func NewLocalStorage(root string, log *zap.Logger) (*LocalStorage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalStorage{root: root, log: log.Named("storage.local")}, nil
}

func (s *LocalStorage) Put(ctx context.Context, namespace, filename string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	namespace = sanitizeSegment(namespace)
	if namespace == "" {
		return Object{}, ErrInvalidKey
	}

	key := path.Join(namespace, ulid.Make().String()+strings.ToLower(filepath.Ext(filename)))
	target := s.resolve(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, err
	}

	// Write to a temp file first so a failed upload never leaves a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Object{}, err
	}
	size, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, err
	}

	s.log.Debug("object stored", zap.String("key", key), zap.Int64("size", size))
	return Object{Key: key, Size: size}, nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	f, err := os.Open(s.resolve(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return ErrInvalidKey
	}
	err := os.Remove(s.resolve(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStorage) resolve(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	cleaned := path.Clean(key)
	return cleaned == key && !strings.HasPrefix(cleaned, "..")
}

func sanitizeSegment(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
