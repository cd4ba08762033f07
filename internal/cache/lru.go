package cache

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
)

// LRUStatusCache is a bounded process-local memo with a TTL.
type LRUStatusCache struct {
	entries *expirable.LRU[string, ledgerdomain.Status]
}

func NewLRUStatusCache(size int, ttl time.Duration) *LRUStatusCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUStatusCache{entries: expirable.NewLRU[string, ledgerdomain.Status](size, nil, ttl)}
}

func (c *LRUStatusCache) Get(_ context.Context, accountID snowflake.ID, subscribed *bool) (ledgerdomain.Status, bool) {
	return c.entries.Get(key(accountID, subscribed))
}

func (c *LRUStatusCache) Set(_ context.Context, accountID snowflake.ID, subscribed *bool, status ledgerdomain.Status) {
	c.entries.Add(key(accountID, subscribed), status)
}

func (c *LRUStatusCache) Invalidate(_ context.Context, accountID snowflake.ID) {
	for _, k := range keysFor(accountID) {
		c.entries.Remove(k)
	}
}

func (c *LRUStatusCache) Len() int {
	return c.entries.Len()
}
