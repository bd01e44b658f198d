package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"
)

// Store abstracts the S3-compatible archive bucket holding stage logs and
// build artifacts.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// LogKey is the canonical object key for one stage's archived log.
func LogKey(runID, stage string) string {
	return path.Join("runs", runID, fmt.Sprintf("%s.log", stage))
}

// ArtifactKey is the canonical object key for an archived build artifact.
func ArtifactKey(runID, name string) string {
	return path.Join("runs", runID, "artifacts", name)
}
