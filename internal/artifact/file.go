package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
)

// FileStore writes artifacts as files under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

func (s *FileStore) path(id domain.ProgramIdentity) string {
	return filepath.Join(s.dir, objectName(id))
}

// Put writes to a temp file in the same directory and renames it into place,
// so readers never observe a partial artifact.
func (s *FileStore) Put(ctx context.Context, id domain.ProgramIdentity, data []byte) (string, error) {
	if err := checkIdentity(id, data); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	final := s.path(id)
	location := "file://" + filepath.ToSlash(final)
	if _, err := os.Stat(final); err == nil {
		return location, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return location, nil
}

func (s *FileStore) Get(_ context.Context, id domain.ProgramIdentity) ([]byte, error) {
	b, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return b, nil
}

func (s *FileStore) Delete(_ context.Context, id domain.ProgramIdentity) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
