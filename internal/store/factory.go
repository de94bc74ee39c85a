package store

import (
	"context"
	"fmt"

	"yqhp/task-scheduler/internal/config"
)

// New creates the store selected by configuration.
func New(ctx context.Context, cfg *config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
