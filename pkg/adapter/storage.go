package adapter

import (
	"context"
	"errors"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// ErrSnapshotNotFound is returned by Storage.Get for an unknown key
var ErrSnapshotNotFound = goerr.New("snapshot not found")

// Storage keeps memory snapshots as objects
type Storage interface {
	// Put returns a writer for key. The snapshot is committed on Close.
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Close releases the underlying client
	Close() error
}

// gcsStorage keeps snapshots in a Cloud Storage bucket under an optional prefix
type gcsStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// NewStorage opens bucketName with application default credentials
func NewStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &gcsStorage{
		client: client,
		bucket: client.Bucket(bucketName),
		name:   bucketName,
		prefix: prefix,
	}, nil
}

func (s *gcsStorage) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *gcsStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	w := s.bucket.Object(s.object(key)).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	return w, nil
}

func (s *gcsStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name := s.object(key)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, goerr.Wrap(ErrSnapshotNotFound, "no such object",
			goerr.V("bucket", s.name), goerr.V("object", name))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read snapshot",
			goerr.V("bucket", s.name), goerr.V("object", name))
	}
	return r, nil
}

func (s *gcsStorage) Close() error {
	if err := s.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage client", goerr.V("bucket", s.name))
	}
	return nil
}
