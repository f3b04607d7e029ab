package adapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
)

// fileStorage implements Storage on a local directory
type fileStorage struct {
	dir string
}

// NewFileStorage stores snapshots under dir, creating it if needed
func NewFileStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create snapshot directory", goerr.V("dir", dir))
	}
	return &fileStorage{dir: dir}, nil
}

func (s *fileStorage) path(key string) string {
	return filepath.Join(s.dir, filepath.Clean("/"+key))
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create snapshot directory", goerr.V("path", path))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create snapshot file", goerr.V("path", path))
	}
	return f, nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path := s.path(key)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, goerr.Wrap(ErrSnapshotNotFound, "no such snapshot file", goerr.V("path", path))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open snapshot file", goerr.V("path", path))
	}
	return f, nil
}

// Close is a no-op; files are closed by the returned readers and writers
func (s *fileStorage) Close() error {
	return nil
}
