package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// StoreConfig selects and parameterises a Store implementation.
type StoreConfig struct {
	Backend    string
	FilePath   string
	RedisURL   string
	RedisKey   string
	SQLitePath string
}

// OpenStore constructs the configured Store. The caller must Close it.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ledger-store")

	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		return NewFileStore(cfg.FilePath, logger)
	case BackendRedis:
		return DialRedisStore(ctx, cfg.RedisURL, logger, WithRedisKey(cfg.RedisKey))
	case BackendSQLite:
		return OpenSQLiteStore(ctx, cfg.SQLitePath, logger)
	case BackendMemory:
		return NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
