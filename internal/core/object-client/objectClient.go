package objectclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/config"
	"github.com/nexabot/knowcore/internal/core"
)

// New selects the object-storage backend from configuration: S3 for
// production, the in-memory store for tests and local development.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (core.ObjectClient, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return NewS3Client(ctx, cfg, log)
	case "memory":
		return NewMemoryObjectStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
