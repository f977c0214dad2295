// Package gcs provides a ResultStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// CacheControl is applied to every uploaded result document when set.
	CacheControl string
}

type writerFunc func(ctx context.Context, bucket, path string, attrs storage.ObjectAttrs) io.WriteCloser

// BlobStore writes result documents to a configured GCS bucket.
type BlobStore struct {
	bucket       string
	cacheControl string
	newWriter    writerFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newBlobStore(cfg, func(ctx context.Context, bucket, path string, attrs storage.ObjectAttrs) io.WriteCloser {
		w := client.Bucket(bucket).Object(path).NewWriter(ctx)
		w.ContentType = attrs.ContentType
		w.CacheControl = attrs.CacheControl
		return w
	})
}

func newBlobStore(cfg Config, fn writerFunc) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{bucket: cfg.Bucket, cacheControl: cfg.CacheControl, newWriter: fn}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	path = strings.TrimPrefix(path, "/")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := s.newWriter(ctx, s.bucket, path, storage.ObjectAttrs{
		ContentType:  contentType,
		CacheControl: s.cacheControl,
	})
	if _, err := io.Copy(writer, r); err != nil {
		// Cancelling before Close aborts the upload so no partial object is committed.
		cancel()
		_ = writer.Close()
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
