package cache

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLRUInvalidateClearsEveryFlag(t *testing.T) {
	ctx := context.Background()
	c := NewLRUStatusCache(10, time.Minute)
	id := snowflake.ID(7)
	on, off := true, false

	c.Set(ctx, id, nil, ledgerdomain.StatusActive)
	c.Set(ctx, id, &on, ledgerdomain.StatusActive)
	c.Set(ctx, id, &off, ledgerdomain.StatusFrozen)
	c.Set(ctx, snowflake.ID(8), nil, ledgerdomain.StatusExpired)

	status, ok := c.Get(ctx, id, &off)
	assert.True(t, ok)
	assert.Equal(t, ledgerdomain.StatusFrozen, status)

	c.Invalidate(ctx, id)
	for _, flag := range []*bool{nil, &on, &off} {
		_, ok := c.Get(ctx, id, flag)
		assert.False(t, ok)
	}
	_, ok = c.Get(ctx, snowflake.ID(8), nil)
	assert.True(t, ok, "other accounts keep their entries")
}

func TestLRUExpires(t *testing.T) {
	ctx := context.Background()
	c := NewLRUStatusCache(10, 20*time.Millisecond)
	c.Set(ctx, 1, nil, ledgerdomain.StatusActive)
	time.Sleep(60 * time.Millisecond)
	_, ok := c.Get(ctx, 1, nil)
	assert.False(t, ok)
}

func TestNoopNeverHits(t *testing.T) {
	ctx := context.Background()
	var c StatusCache = NoopStatusCache{}
	c.Set(ctx, 1, nil, ledgerdomain.StatusActive)
	_, ok := c.Get(ctx, 1, nil)
	assert.False(t, ok)
}

func TestRemoteInvalidationIgnoresOwnOrigin(t *testing.T) {
	ctx := context.Background()
	local := NewLRUStatusCache(10, time.Minute)
	shared := NewRedisInvalidatingCache(local, nil, zap.NewNop(), "node-a")

	local.Set(ctx, 5, nil, ledgerdomain.StatusActive)
	shared.handle(ctx, "node-a|5")
	_, ok := local.Get(ctx, 5, nil)
	assert.True(t, ok)

	shared.handle(ctx, "node-b|5")
	_, ok = local.Get(ctx, 5, nil)
	assert.False(t, ok)

	shared.handle(ctx, "garbage")
}
