package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/dayledger/internal/apikey/domain"
	"github.com/smallbiznis/dayledger/internal/apikey/repository"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (apikeydomain.Service, *clock.FakeClock) {
	t.Helper()
	db := migrationtest.Open(t)
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC))
	return New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	}), clk
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: " ", Roles: []string{"admin"}})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	_, err = svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops", Roles: []string{"root"}})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidRole)

	_, err = svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidRole)
}

func TestCreateThenAuthenticate(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	secret, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops", Roles: []string{"Operator", "operator"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret.APIKey, apiKeyPrefix))
	assert.True(t, strings.HasPrefix(secret.KeyID, "key_"))

	key, err := svc.Authenticate(ctx, secret.APIKey)
	require.NoError(t, err)
	assert.Equal(t, secret.KeyID, key.KeyID)
	assert.Equal(t, []string{"operator"}, []string(key.Roles))

	_, err = svc.Authenticate(ctx, secret.APIKey+"x")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	items, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotNil(t, items[0].LastUsedAt)
}

func TestRevokedKeyIsRejected(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	secret, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops", Roles: []string{"viewer"}})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, secret.KeyID))

	_, err = svc.Authenticate(ctx, secret.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	assert.ErrorIs(t, svc.Revoke(ctx, "key_missing"), apikeydomain.ErrNotFound)
	assert.ErrorIs(t, svc.Revoke(ctx, ""), apikeydomain.ErrInvalidKeyID)
}

func TestRotateKeepsOldKeyDuringGracePeriod(t *testing.T) {
	svc, clk := setup(t)
	ctx := context.Background()

	old, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops", Roles: []string{"admin"}})
	require.NoError(t, err)
	next, err := svc.Rotate(ctx, old.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, next.KeyID)

	_, err = svc.Authenticate(ctx, old.APIKey)
	require.NoError(t, err)

	clk.Advance(apiKeyRotationGracePeriod + time.Minute)
	_, err = svc.Authenticate(ctx, old.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	key, err := svc.Authenticate(ctx, next.APIKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, []string(key.Roles))
}

func TestBootstrapKey(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureBootstrap(ctx, ""))
	_, err := svc.Authenticate(ctx, "first-secret")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	require.NoError(t, svc.EnsureBootstrap(ctx, "first-secret"))
	require.NoError(t, svc.EnsureBootstrap(ctx, "first-secret"))
	key, err := svc.Authenticate(ctx, "first-secret")
	require.NoError(t, err)
	assert.Equal(t, apikeydomain.BootstrapKeyID, key.KeyID)
	assert.Equal(t, []string{apikeydomain.RoleAdmin}, []string(key.Roles))

	require.NoError(t, svc.EnsureBootstrap(ctx, "second-secret"))
	_, err = svc.Authenticate(ctx, "first-secret")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)
	_, err = svc.Authenticate(ctx, "second-secret")
	require.NoError(t, err)

	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
