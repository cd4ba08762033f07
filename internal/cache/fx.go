package cache

import (
	"context"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/dayledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache.status",
	fx.Provide(NewStatusCache),
)

type Params struct {
	fx.In

	Lc     fx.Lifecycle
	Cfg    config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

// NewStatusCache picks the memo implementation: none when the TTL is zero,
// a local LRU, or the LRU with Redis fan-out when Redis is configured.
func NewStatusCache(p Params) StatusCache {
	ttl := p.Cfg.Lifecycle.StatusCacheTTL
	if ttl <= 0 {
		return NoopStatusCache{}
	}

	local := NewLRUStatusCache(p.Cfg.Lifecycle.StatusCacheSize, ttl)
	if p.Client == nil {
		return local
	}

	shared := NewRedisInvalidatingCache(local, p.Client, p.Log, uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go shared.Listen(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return shared
}
