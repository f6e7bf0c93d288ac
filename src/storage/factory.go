package storage

import (
	"context"
	"fmt"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"
)

// NewFromConfig opens the backend named by config.Backend
func NewFromConfig(ctx context.Context, config model.StoreConfig) (Store, error) {
	opts := []Option{WithLeaseTTL(config.LeaseTTL), WithSessionTTL(config.SessionTTL)}

	var (
		store Store
		err   error
	)
	switch config.Backend {
	case "memory":
		store = NewMemoryStore(opts...)
	case "", "file":
		store, err = NewFileStore(config.Dir, opts...)
	case "redis":
		if config.RedisURL == "" {
			return nil, fmt.Errorf("STORE_REDIS_URL is required for the redis backend")
		}
		store, err = NewRedisStore(ctx, config.RedisURL, opts...)
	case "sqlite":
		store, err = NewSQLiteStore(ctx, config.SQLitePath, opts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info().Str("backend", config.Backend).Dur("lease_ttl", config.LeaseTTL).Msg("Session store ready")
	return store, nil
}
