package store

import (
	"context"
	"fmt"

	"walletsync/pkg/config"
)

// Open builds the backend selected by the storage config.
func Open(ctx context.Context, cfg config.Storage) (Backend, error) {
	switch cfg.Driver {
	case "file", "":
		return NewFile(cfg.Path, cfg.Backups), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
