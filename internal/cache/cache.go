package cache

import (
	"context"
	"time"

	"quantback/internal/logger"
)

// Cacher defines the cache operations used by the factor manager and the
// backtest service. Values are serialized as JSON.
type Cacher interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Config represents cache configuration
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
	MaxItems int    `yaml:"max_items" json:"max_items"`
}

// NewCacher creates a cache instance based on configuration. When Redis is
// enabled but unreachable it falls back to the in-memory cache so the
// service can still run.
func NewCacher(cfg *Config) (Cacher, error) {
	if cfg != nil && cfg.Enabled {
		rc, err := NewRedisCache(cfg)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to memory cache", "error", err.Error())
			return NewMemoryCache(cfg.MaxItems), nil
		}
		return rc, nil
	}
	maxItems := 0
	if cfg != nil {
		maxItems = cfg.MaxItems
	}
	return NewMemoryCache(maxItems), nil
}
