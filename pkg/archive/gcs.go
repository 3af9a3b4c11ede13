//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink archives bundles to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a GCS-backed sink using application default credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (Sink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	objectPath := s.prefix + name
	loc := fmt.Sprintf("gs://%s/%s", s.bucket, objectPath)

	obj := s.client.Bucket(s.bucket).Object(objectPath)
	if _, err := obj.Attrs(ctx); err == nil {
		return loc, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write %s: %w", loc, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close %s: %w", loc, err)
	}
	return loc, nil
}
