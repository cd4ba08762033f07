package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/audit/repository"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	obscontext "github.com/smallbiznis/dayledger/internal/observability/context"
	"github.com/smallbiznis/dayledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	db := migrationtest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	return NewService(Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Repo: repository.Provide()}), fake
}

func TestRecordMasksSecretsAndCapturesContext(t *testing.T) {
	svc, _ := newService(t)
	accountID := snowflake.ID(42)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, obscontext.ActorWebhook, "tbank")
	require.NoError(t, svc.Record(ctx, nil, &accountID, auditdomain.ActionPaymentRejected, map[string]any{
		"payment_id": "77",
		"sign":       "abcdef0123456789",
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{AccountID: &accountID})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	entry := resp.Entries[0]
	assert.Equal(t, auditdomain.ActionPaymentRejected, entry.Action)
	assert.Equal(t, obscontext.ActorWebhook, entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "tbank", *entry.ActorID)
	assert.Equal(t, "77", entry.Details["payment_id"])
	assert.Equal(t, "****6789", entry.Details["sign"])
	assert.Equal(t, "req-1", entry.Details["request_id"])
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.Record(context.Background(), nil, nil, auditdomain.ActionBillingError, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, obscontext.ActorSystem, resp.Entries[0].ActorType)
	assert.Nil(t, resp.Entries[0].ActorID)
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	svc, _ := newService(t)
	err := svc.Record(context.Background(), nil, nil, "  ", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc, fake := newService(t)
	ctx := context.Background()
	a, b := snowflake.ID(1), snowflake.ID(2)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(ctx, nil, &a, auditdomain.ActionDaysGranted, map[string]any{"n": i}))
		fake.Advance(time.Minute)
	}
	require.NoError(t, svc.Record(ctx, nil, &b, auditdomain.ActionStatusChanged, nil))

	resp, err := svc.List(ctx, auditdomain.ListRequest{Action: auditdomain.ActionStatusChanged})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, b, *resp.Entries[0].AccountID)

	first, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		AccountID:  &a,
	})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
		AccountID:  &a,
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.False(t, second.HasMore)
	assert.Less(t, second.Entries[0].ID.Int64(), first.Entries[1].ID.Int64())

	start := fake.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	_, err = svc.List(ctx, auditdomain.ListRequest{Pagination: pagination.Pagination{PageToken: "garbage"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
