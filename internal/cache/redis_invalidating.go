package cache

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"go.uber.org/zap"
)

const InvalidationChannel = "dayledger:status:invalidate"

// RedisInvalidatingCache keeps a local memo and broadcasts invalidations so
// peers evict the same account.
type RedisInvalidatingCache struct {
	local  *LRUStatusCache
	client *redis.Client
	log    *zap.Logger
	origin string
}

func NewRedisInvalidatingCache(local *LRUStatusCache, client *redis.Client, log *zap.Logger, origin string) *RedisInvalidatingCache {
	return &RedisInvalidatingCache{
		local:  local,
		client: client,
		log:    log.Named("cache.status"),
		origin: origin,
	}
}

func (c *RedisInvalidatingCache) Get(ctx context.Context, accountID snowflake.ID, subscribed *bool) (ledgerdomain.Status, bool) {
	return c.local.Get(ctx, accountID, subscribed)
}

func (c *RedisInvalidatingCache) Set(ctx context.Context, accountID snowflake.ID, subscribed *bool, status ledgerdomain.Status) {
	c.local.Set(ctx, accountID, subscribed, status)
}

func (c *RedisInvalidatingCache) Invalidate(ctx context.Context, accountID snowflake.ID) {
	c.local.Invalidate(ctx, accountID)
	if err := c.client.Publish(ctx, InvalidationChannel, c.origin+"|"+accountID.String()).Err(); err != nil {
		c.log.Warn("publish status invalidation failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

// Listen evicts entries invalidated by other instances until ctx is done.
func (c *RedisInvalidatingCache) Listen(ctx context.Context) {
	sub := c.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handle(ctx, msg.Payload)
		}
	}
}

func (c *RedisInvalidatingCache) handle(ctx context.Context, payload string) {
	origin, rawID, found := strings.Cut(payload, "|")
	if !found || origin == c.origin {
		return
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil {
		c.log.Debug("ignoring malformed invalidation", zap.String("payload", payload))
		return
	}
	c.local.Invalidate(ctx, id)
}
