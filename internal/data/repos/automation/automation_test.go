package automation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/autoflow-backend/internal/data/repos/testutil"
	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainauto "github.com/yungbote/autoflow-backend/internal/domain/automation"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
)

func TestActionLogRepoCounts(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewActionLogRepo(db, testutil.Logger(t))
	dbc := dbctx.New(ctx)

	owner := uuid.New()
	now := time.Now().UTC()

	testutil.SeedAction(t, ctx, db, owner, "auto_reply", "a@example.com", domainauto.ActionStatusCompleted, now.Add(-time.Minute))
	testutil.SeedAction(t, ctx, db, owner, "auto_reply", "a@example.com", domainauto.ActionStatusPending, now.Add(-2*time.Minute))
	testutil.SeedAction(t, ctx, db, owner, "auto_reply", "a@example.com", domainauto.ActionStatusBlocked, now.Add(-3*time.Minute))
	testutil.SeedAction(t, ctx, db, owner, "auto_reply", "b@example.com", domainauto.ActionStatusSkipped, now.Add(-3*time.Minute))
	testutil.SeedAction(t, ctx, db, owner, "send_sms", "a@example.com", domainauto.ActionStatusDryRun, now.Add(-4*time.Minute))
	testutil.SeedAction(t, ctx, db, owner, "auto_reply", "a@example.com", domainauto.ActionStatusCompleted, now.Add(-30*time.Hour))
	testutil.SeedAction(t, ctx, db, uuid.New(), "auto_reply", "a@example.com", domainauto.ActionStatusCompleted, now.Add(-time.Minute))

	n, err := repo.CountForContactSince(dbc, owner, "a@example.com", "auto_reply", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.CountForOwnerSince(dbc, owner, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	row := &types.AutomationActionLog{OwnerID: owner, ActionType: "send_email", Status: domainauto.ActionStatusPending}
	require.NoError(t, repo.Create(dbc, row))
	require.NotEqual(t, uuid.Nil, row.ID)

	at := now.Add(time.Second)
	require.NoError(t, repo.UpdateStatus(dbc, row.ID, domainauto.ActionStatusFailed, "smtp 421", &at))
	got, err := repo.GetByID(dbc, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domainauto.ActionStatusFailed, got.Status)
	assert.Equal(t, "smtp 421", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	recent, err := repo.ListRecentForOwner(dbc, owner, 3)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestSafetyConfigRepoUpsertAndKillSwitch(t *testing.T) {
	db := testutil.DB(t)
	repo := NewSafetyConfigRepo(db, testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	owner := uuid.New()
	scope := domainauto.ScopeKeyFor(&owner)

	cfg := &types.AutomationSafetyConfig{
		OwnerID:                    &owner,
		MaxActionsPerContactPerDay: 2,
		MaxActionsPerUserPer5Min:   10,
		MaxActionsPerUserPerHour:   50,
		OAuthFailureThreshold:      3,
		OAuthFailureWindowSeconds:  3600,
	}
	require.NoError(t, repo.Upsert(dbc, cfg))

	cfg2 := &types.AutomationSafetyConfig{
		OwnerID:                    &owner,
		MaxActionsPerContactPerDay: 5,
		MaxActionsPerUserPer5Min:   10,
		MaxActionsPerUserPerHour:   50,
		DryRunMode:                 true,
		OAuthFailureThreshold:      3,
		OAuthFailureWindowSeconds:  3600,
	}
	require.NoError(t, repo.Upsert(dbc, cfg2))

	got, err := repo.GetByScope(dbc, scope)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.MaxActionsPerContactPerDay)
	assert.True(t, got.DryRunMode)
	assert.False(t, got.KillSwitch)

	require.NoError(t, repo.SetKillSwitch(dbc, &types.AutomationSafetyConfig{
		OwnerID:    &owner,
		KillSwitch: true,
	}))
	got, err = repo.GetByScope(dbc, scope)
	require.NoError(t, err)
	assert.True(t, got.KillSwitch)
	assert.Equal(t, 5, got.MaxActionsPerContactPerDay, "kill switch toggle keeps caps")

	none, err := repo.GetByScope(dbc, "no-such-scope")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRuleRepoPauseAllForOwner(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewRuleRepo(db, testutil.Logger(t))
	failures := NewOAuthFailureRepo(db, testutil.Logger(t))
	dbc := dbctx.New(ctx)

	owner := uuid.New()
	other := uuid.New()
	testutil.SeedRule(t, ctx, db, owner, "welcome")
	testutil.SeedRule(t, ctx, db, owner, "follow-up")
	testutil.SeedRule(t, ctx, db, other, "untouched")

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		require.NoError(t, failures.Create(dbc, &types.OAuthFailureLog{OwnerID: owner, FailureType: "token_refresh", CreatedAt: now}))
	}
	n, err := failures.CountForOwnerSince(dbc, owner, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	changed, err := repo.PauseAllForOwner(dbc, owner, "oauth_failures", now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)

	rules, err := repo.ListByOwner(dbc, owner)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		assert.Equal(t, domainauto.RuleStatusPaused, r.Status)
		assert.Equal(t, "oauth_failures", r.PausedReason)
	}

	rules, err = repo.ListByOwner(dbc, other)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, domainauto.RuleStatusActive, rules[0].Status)
}
