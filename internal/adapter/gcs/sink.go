// Package gcs archives published products to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Sink uploads products to one bucket under a fixed object prefix.
type Sink struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewSink creates a storage client with application default credentials.
// STORAGE_EMULATOR_HOST is honored by the client library.
func NewSink(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*Sink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Sink{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// Put uploads data as the object for name. The upload is committed only when
// the writer closes cleanly, so a failed Put leaves no object behind.
func (s *Sink) Put(ctx context.Context, name string, data []byte) error {
	object := s.objectName(name)

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType(name)
	w.ChunkSize = 0 // products are small; upload in a single request

	if _, err := w.Write(data); err != nil {
		w.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, object, err)
	}

	s.logger.Debug("product archived", "bucket", s.bucket, "object", object, "bytes", len(data))
	return nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}

// objectName maps a product name onto the bucket layout: prefix/base name.
// Product subdirectories are dropped; the prefix already names the product kind.
func (s *Sink) objectName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	p := strings.Trim(s.prefix, "/")
	if p == "" {
		return base
	}
	return p + "/" + base
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
