// Package storage uploads finished crawl files to archival storage.
//
// A Provider stores one local file. BlobProvider implements it on top of any
// BlobStore (local disk, Google Cloud Storage, S3 or memory) and can register
// each stored file with the repository afterwards.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/metrics"
)

// Provider stores a local file in archival storage.
type Provider interface {
	// Store uploads the file at path. The local file is left in place.
	Store(ctx context.Context, path string) error
}

// BlobStore writes objects to a bucket-like backend and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// Registrar records a stored file with the archive repository.
type Registrar interface {
	Register(ctx context.Context, fileName, uri string) error
}

// NoOpProvider stores nothing. It is useful for dry runs.
type NoOpProvider struct{}

// Store for NoOpProvider does nothing and always returns nil.
func (NoOpProvider) Store(context.Context, string) error {
	return nil
}

// BlobProvider stores files as objects named prefix/<file name>.
type BlobProvider struct {
	store     BlobStore
	prefix    string
	registrar Registrar
	logger    *zap.Logger
}

// NewBlobProvider wraps store. registrar may be nil.
func NewBlobProvider(store BlobStore, prefix string, registrar Registrar, logger *zap.Logger) *BlobProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobProvider{
		store:     store,
		prefix:    strings.Trim(prefix, "/"),
		registrar: registrar,
		logger:    logger,
	}
}

// Store uploads the file and registers it when a registrar is configured.
func (p *BlobProvider) Store(ctx context.Context, filePath string) error {
	err := p.put(ctx, filePath)
	metrics.ObserveUpload(err)
	return err
}

func (p *BlobProvider) put(ctx context.Context, filePath string) error {
	name := filepath.Base(filePath)
	f, err := os.Open(filePath) // #nosec G304 -- paths come from the crawl directory listing.
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			p.logger.Warn("close uploaded file", zap.String("path", filePath), zap.Error(cerr))
		}
	}()

	key := ObjectKey(p.prefix, name)
	uri, err := p.store.PutObject(ctx, key, ContentType(name), f)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	p.logger.Debug("stored file", zap.String("file", name), zap.String("uri", uri))

	if p.registrar != nil {
		if err := p.registrar.Register(ctx, name, uri); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// ObjectKey joins prefix and name into an object key.
func ObjectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// ContentType guesses the media type of an archive file from its name.
func ContentType(name string) string {
	switch {
	case strings.Contains(name, ".warc"):
		return "application/warc"
	case strings.Contains(name, ".arc"):
		return "application/x-internet-archive"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
