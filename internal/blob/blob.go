// Package blob stores artifact bodies outside the job store. The job store keeps only the
// locator string a Store returns.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"jobengine/internal/config"
)

// ErrForeignLocator is returned by Delete for a locator another backend produced.
var ErrForeignLocator = errors.New("blob: locator not owned by this store")

// Store writes and removes artifact objects.
type Store interface {
	// Put writes body under key and returns the locator to persist.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	// Delete removes the object a locator points to. Missing objects are not an error.
	Delete(ctx context.Context, locator string) error
}

// New builds the Store selected by cfg.ArtifactBackend.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return NewLocal(cfg.ArtifactDir), nil
	case "s3":
		if cfg.ArtifactS3Bucket == "" {
			return nil, errors.New("ARTIFACT_S3_BUCKET is required for the s3 backend")
		}
		return NewS3(ctx, cfg)
	case "minio":
		return NewMinio(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

// ObjectKey builds the object key for an artifact of jobID.
func ObjectKey(jobID, name string) string {
	return path.Join("jobs", jobID, sanitizeKey(name))
}

func sanitizeKey(key string) string {
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

// splitLocator parses scheme://bucket/key locators.
func splitLocator(scheme, locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%q: %w", locator, ErrForeignLocator)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed locator %q", locator)
	}
	return bucket, key, nil
}
