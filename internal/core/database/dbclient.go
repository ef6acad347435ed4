package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/config"
	"github.com/nexabot/knowcore/internal/core"
)

// Store bundles the persistence surfaces the knowledge core needs behind one
// connection: knowledge sources and their chunks.
type Store interface {
	core.SourceStore
	core.ChunkStore
	Close() error
}

// New selects the persistence backend from configuration: Postgres/pgvector
// for production, the in-memory store for tests and local development.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return NewPostgresStore(ctx, cfg.Database.URL, log)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
