package main

import (
	"context"
	"fmt"

	"github.com/pelagodb/core/internal/config"
	"github.com/pelagodb/core/internal/storage"
	"github.com/pelagodb/core/internal/storage/memstore"
	"github.com/pelagodb/core/internal/storage/mysqlstore"
	"github.com/pelagodb/core/internal/storage/sqlitestore"
)

// openBackend opens the persistence backend cfg.Storage.Backend selects,
// matching spec.md §6's pluggable-backend description.
func openBackend(ctx context.Context, cfg config.Storage) (storage.Persistence, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return sqlitestore.Open(ctx, cfg.SQLite)
	case "mysql":
		return mysqlstore.Open(ctx, cfg.MySQLDSN)
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("corectl: unknown storage backend %q", cfg.Backend)
	}
}
