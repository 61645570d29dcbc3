package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"booking/internal/platform/config"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Store keeps export documents. The reference returned by Put is the
// cleaned key, so it keeps any suffix the caller relies on.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	RetrievalURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// New builds the backend selected by ARTIFACT_BACKEND.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case "", "fs":
		return NewFSStore(cfg.ArtifactDir)
	case "s3":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
