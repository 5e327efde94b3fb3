package localcache

import (
	"context"
	"fmt"

	"github.com/agenthands/descedge/pkg/core"
)

// Cache is what the descriptor store needs from a local tier, plus Close.
type Cache interface {
	Match(ctx context.Context, cacheKey string) (core.Entry, bool, error)
	Put(ctx context.Context, cacheKey string, e core.Entry) error
	Close() error
}

// New builds the backend named by cfg.Backend. "none" returns a nil Cache.
func New(cfg core.LocalConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.Size, cfg.TTL), nil
	case "memcache":
		return NewMemcache(cfg.MemcacheServers, cfg.MemcacheTimeout, cfg.TTL)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown local backend %q", core.ErrInvalidInput, cfg.Backend)
	}
}
