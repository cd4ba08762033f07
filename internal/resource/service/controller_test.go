package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	"github.com/smallbiznis/dayledger/internal/resource/domain"
	"github.com/smallbiznis/dayledger/internal/resource/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestControllerPauseResumeTeardown(t *testing.T) {
	ctx := context.Background()
	db := migrationtest.Open(t)
	repo := repository.Provide()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctrl := NewController(Params{DB: db, Log: zap.NewNop(), Clock: fake, Repo: repo})

	accountID := snowflake.ID(7)
	for i, name := range []string{"shop", "faq"} {
		require.NoError(t, repo.Insert(ctx, db, &domain.Resource{
			ID:        snowflake.ID(100 + i),
			AccountID: accountID,
			Name:      name,
			Running:   true,
			CreatedAt: fake.Now(),
			UpdatedAt: fake.Now(),
		}))
	}

	require.NoError(t, ctrl.Pause(ctx, 100))
	got, err := repo.FindByID(ctx, db, 100)
	require.NoError(t, err)
	assert.False(t, got.Running)

	require.NoError(t, ctrl.Resume(ctx, 100))
	got, err = repo.FindByID(ctx, db, 100)
	require.NoError(t, err)
	assert.True(t, got.Running)

	assert.ErrorIs(t, ctrl.Pause(ctx, 999), domain.ErrNotFound)

	removed, err := ctrl.TeardownAll(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := repo.Count(ctx, db, accountID)
	require.NoError(t, err)
	assert.Zero(t, count)
}
