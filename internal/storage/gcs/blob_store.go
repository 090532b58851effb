// Package gcs stores archive files in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// DefaultChunkSize is the resumable upload chunk size for archive files.
const DefaultChunkSize = 16 << 20

// Config names the bucket and tunes uploads.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// ChunkSize is the resumable upload chunk; zero uses DefaultChunkSize.
	ChunkSize int `mapstructure:"chunk_size"`
}

// BlobStore uploads archive files to one bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	chunkSize int
}

// New binds client to cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("storage client is required")
	case cfg.Bucket == "":
		return nil, errors.New("bucket name is required")
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, chunkSize: chunk}, nil
}

// CheckBucket verifies that the bucket exists and is reachable.
func (s *BlobStore) CheckBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutObject streams r to key and returns its gs:// URI. A failed copy aborts
// the upload so no truncated object is left behind.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("object key is required")
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(uploadCtx)
	w.ChunkSize = s.chunkSize
	w.ContentType = contentType
	w.Metadata = map[string]string{"file-name": path.Base(key)}

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close() //nolint:errcheck // the upload is already aborted
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
