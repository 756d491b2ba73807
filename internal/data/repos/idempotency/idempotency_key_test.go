package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yungbote/autoflow-backend/internal/data/repos/testutil"
	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainidem "github.com/yungbote/autoflow-backend/internal/domain/idempotency"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
)

func newRecord(key string, now time.Time, ttl time.Duration) *types.IdempotencyKey {
	return &types.IdempotencyKey{
		Key:                key,
		OperationType:      "send_email",
		OwnerID:            uuid.New(),
		RequestFingerprint: "fp",
		Status:             domainidem.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
}

func TestIdempotencyKeyRepo(t *testing.T) {
	db := testutil.DB(t)
	repo := NewIdempotencyKeyRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())
	now := time.Now().UTC().Truncate(time.Millisecond)
	key := "k-" + uuid.NewString()

	ok, err := repo.InsertIfAbsent(dbc, newRecord(key, now, time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.InsertIfAbsent(dbc, newRecord(key, now, time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second insert must lose")

	got, err := repo.GetByKey(dbc, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domainidem.StatusPending, got.Status)

	// A fresh pending row is neither expired nor stuck.
	ok, err = repo.Reclaim(dbc, newRecord(key, now, time.Hour), now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	done := now.Add(time.Second)
	ok, err = repo.MarkTerminal(dbc, key, domainidem.StatusCompleted, datatypes.JSON(`{"id":"m1"}`), "", done)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkTerminal(dbc, key, domainidem.StatusFailed, nil, "late", done)
	require.NoError(t, err)
	assert.False(t, ok, "terminal rows never move again")

	got, err = repo.GetByKey(dbc, key)
	require.NoError(t, err)
	assert.Equal(t, domainidem.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"id":"m1"}`, string(got.ResultPayload))
	require.NotNil(t, got.CompletedAt)

	missing, err := repo.GetByKey(dbc, "nope-"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIdempotencyKeyRepoReclaim(t *testing.T) {
	db := testutil.DB(t)
	repo := NewIdempotencyKeyRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("expired", func(t *testing.T) {
		key := "exp-" + uuid.NewString()
		old := newRecord(key, now.Add(-2*time.Hour), time.Hour)
		_, err := repo.InsertIfAbsent(dbc, old)
		require.NoError(t, err)
		_, err = repo.MarkTerminal(dbc, key, domainidem.StatusCompleted, nil, "", now.Add(-2*time.Hour))
		require.NoError(t, err)

		ok, err := repo.Reclaim(dbc, newRecord(key, now, time.Hour), now, now.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByKey(dbc, key)
		require.NoError(t, err)
		assert.Equal(t, domainidem.StatusPending, got.Status)
		assert.Nil(t, got.CompletedAt)
		assert.True(t, got.ExpiresAt.After(now))
	})

	t.Run("stuck pending", func(t *testing.T) {
		key := "stuck-" + uuid.NewString()
		_, err := repo.InsertIfAbsent(dbc, newRecord(key, now.Add(-30*time.Minute), 24*time.Hour))
		require.NoError(t, err)

		ok, err := repo.Reclaim(dbc, newRecord(key, now, 24*time.Hour), now, now.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		// The reclaimed row is fresh, so a racing second reclaim loses.
		ok, err = repo.Reclaim(dbc, newRecord(key, now, 24*time.Hour), now, now.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestIdempotencyKeyRepoSweeps(t *testing.T) {
	db := testutil.DB(t)
	repo := NewIdempotencyKeyRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())
	now := time.Now().UTC().Truncate(time.Millisecond)

	expired := "sweep-exp-" + uuid.NewString()
	live := "sweep-live-" + uuid.NewString()
	stuck := "sweep-stuck-" + uuid.NewString()
	_, err := repo.InsertIfAbsent(dbc, newRecord(expired, now.Add(-3*time.Hour), time.Hour))
	require.NoError(t, err)
	_, err = repo.InsertIfAbsent(dbc, newRecord(live, now, time.Hour))
	require.NoError(t, err)
	_, err = repo.InsertIfAbsent(dbc, newRecord(stuck, now.Add(-time.Hour), 24*time.Hour))
	require.NoError(t, err)

	n, err := repo.DeleteExpired(dbc, now, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := repo.GetByKey(dbc, expired)
	require.NoError(t, err)
	assert.Nil(t, got)

	keys, err := repo.DeleteStuckPending(dbc, now.Add(-10*time.Minute), 100)
	require.NoError(t, err)
	assert.Contains(t, keys, stuck)
	assert.NotContains(t, keys, live)

	got, err = repo.GetByKey(dbc, live)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
