package cache

import (
	"context"
	"fmt"

	"renderq/internal/config"
)

// Open selects the Store backend once at startup. Call sites depend only on
// the Store interface and never branch on the active backend.
func Open(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory:
		return NewMemory(cfg.Size, cfg.TTL), nil
	case config.CacheBackendNATS:
		return NewNATS(ctx, NATSConfig{
			URL:    cfg.NATS.URL,
			Bucket: cfg.NATS.Bucket,
			TTL:    cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
