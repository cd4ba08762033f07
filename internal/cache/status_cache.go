package cache

import (
	"context"
	"strconv"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
)

// StatusCache memoizes computed statuses for a short time. It is never
// authoritative: a miss always falls back to recomputation.
type StatusCache interface {
	Get(ctx context.Context, accountID snowflake.ID, subscribed *bool) (ledgerdomain.Status, bool)
	Set(ctx context.Context, accountID snowflake.ID, subscribed *bool, status ledgerdomain.Status)
	Invalidate(ctx context.Context, accountID snowflake.ID)
}

// NoopStatusCache never remembers anything.
type NoopStatusCache struct{}

func (NoopStatusCache) Get(context.Context, snowflake.ID, *bool) (ledgerdomain.Status, bool) {
	return "", false
}

func (NoopStatusCache) Set(context.Context, snowflake.ID, *bool, ledgerdomain.Status) {}

func (NoopStatusCache) Invalidate(context.Context, snowflake.ID) {}

func key(accountID snowflake.ID, subscribed *bool) string {
	flag := "unset"
	if subscribed != nil {
		flag = strconv.FormatBool(*subscribed)
	}
	return accountID.String() + ":" + flag
}

func keysFor(accountID snowflake.ID) []string {
	t, f := true, false
	return []string{key(accountID, nil), key(accountID, &t), key(accountID, &f)}
}
