// Package archive ships verified ledger bundles to external storage. The
// ledger itself never rotates; operators archive bundles and keep the
// chain intact locally.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
)

// Sink stores an archived object and returns where it landed.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// ObjectName is the key a bundle is archived under.
func ObjectName(b *audit.Bundle) string {
	return fmt.Sprintf("ledger-%08d-%08d-%s.json", b.StartSeq, b.EndSeq, b.BundleHash[:16])
}

// Ship exports the filtered range of l, verifies it and writes it to sink.
func Ship(ctx context.Context, l *audit.Ledger, sink Sink, filter audit.Filter) (string, *audit.Bundle, error) {
	b, err := l.ExportBundle(ctx, filter)
	if err != nil {
		return "", nil, err
	}
	if err := audit.VerifyBundle(b); err != nil {
		return "", nil, fmt.Errorf("archive: exported bundle failed verification: %w", err)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("archive: marshal bundle: %w", err)
	}
	loc, err := sink.Put(ctx, ObjectName(b), data)
	if err != nil {
		return "", nil, err
	}
	return loc, b, nil
}

// ParseTarget builds a sink from a URL: file:///dir, s3://bucket/prefix or
// gs://bucket/prefix. A bare path is treated as a directory.
func ParseTarget(ctx context.Context, target string) (Sink, error) {
	if target == "" {
		return nil, fmt.Errorf("archive: empty target")
	}
	if !strings.Contains(target, "://") {
		return NewFileSink(target), nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("archive: parse target %q: %w", target, err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	switch u.Scheme {
	case "file":
		return NewFileSink(u.Path), nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("archive: s3 target needs a bucket")
		}
		return NewS3Sink(ctx, S3SinkConfig{
			Bucket:   u.Host,
			Prefix:   prefix,
			Region:   firstNonEmpty(u.Query().Get("region"), os.Getenv("AWS_REGION"), "us-east-1"),
			Endpoint: u.Query().Get("endpoint"),
		})
	case "gs":
		if u.Host == "" {
			return nil, fmt.Errorf("archive: gs target needs a bucket")
		}
		return NewGCSSink(ctx, GCSSinkConfig{Bucket: u.Host, Prefix: prefix})
	default:
		return nil, fmt.Errorf("archive: unsupported scheme %q", u.Scheme)
	}
}

// FileSink writes objects into a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink { return &FileSink{dir: dir} }

func (s *FileSink) Put(_ context.Context, name string, data []byte) (string, error) {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("archive: invalid object name %q", name)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: ensure dir: %w", err)
	}
	path := filepath.Join(s.dir, name)
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("archive: rename %s: %w", path, err)
	}
	return path, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
