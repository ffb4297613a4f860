package gateway

import (
	"context"
	"fmt"

	"github.com/haasonsaas/chatturn/internal/config"
	"github.com/haasonsaas/chatturn/internal/storage"
)

// OpenStore opens the configured store. SQL stores are migrated when
// auto_migrate is set.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return storage.NewMemoryStore(), nil
	}

	pool := storage.DefaultPoolConfig()
	if cfg.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.MaxConnections
		pool.MaxIdleConns = min(pool.MaxIdleConns, cfg.MaxConnections)
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	store, err := storage.Open(cfg.Driver, cfg.URL, pool)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		migrator, err := storage.NewMigrator(store.DB(), store.Dialect())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if _, err := migrator.Up(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, nil
}
