package repo_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/repo"
	"github.com/fairyhunter13/vertex-balancer/internal/config"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

func openStore(t *testing.T) repo.Store {
	t.Helper()
	cfg := config.Config{
		DBEngine:                   "sqlite",
		SQLitePath:                 filepath.Join(t.TempDir(), "balancer.db"),
		TargetRotationRequestCount: 10,
		MaxFailureCount:            5,
		RateLimitCooldownSeconds:   60,
		MaxRetries:                 3,
		FailoverDelaySeconds:       2,
		LogRetentionDays:           30,
	}
	st, err := repo.Provide(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTarget(name string) domain.Target {
	return domain.Target{
		ID:                    ulid.Make().String(),
		Name:                  name,
		ProjectID:             "proj-" + name,
		Location:              "us-central1",
		ServiceAccountKeyJSON: `{"type":"service_account"}`,
		IsActive:              true,
		CreatedAt:             time.Now().UTC(),
	}
}

func TestProvideRejectsUnknownEngine(t *testing.T) {
	_, err := repo.Provide(context.Background(), config.Config{DBEngine: "mysql"})
	require.Error(t, err)
}

func TestProvideSeedsSettingsOnce(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	got, err := st.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultSettings(), got)

	// A second seed must not overwrite the existing row.
	changed := got
	changed.MaxRetries = 9
	require.NoError(t, st.SeedSettings(ctx, changed))
	again, err := st.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, again.MaxRetries)
}

func TestTargetCRUD(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	in := newTarget("a")
	limit := 100
	in.DailyRateLimit = &limit
	require.NoError(t, st.Create(ctx, in))

	got, err := st.FindByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)
	require.Equal(t, "proj-a", got.ProjectID)
	require.True(t, got.IsActive)
	require.Equal(t, 100, *got.DailyRateLimit)
	require.Nil(t, got.LastUsedAt)

	byBinding, err := st.FindByBinding(ctx, "proj-a", "us-central1")
	require.NoError(t, err)
	require.Equal(t, in.ID, byBinding.ID)

	_, err = st.FindByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.FindByBinding(ctx, "proj-a", "europe-west4")
	require.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	got.LastUsedAt = &now
	got.RequestCount = 7
	got.FailureCount = 2
	got.IsDisabledByRateLimit = true
	require.NoError(t, st.Save(ctx, got))

	saved, err := st.FindByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), saved.RequestCount)
	require.Equal(t, 2, saved.FailureCount)
	require.True(t, saved.IsDisabledByRateLimit)
	require.True(t, saved.LastUsedAt.Equal(now))

	require.NoError(t, st.Delete(ctx, in.ID))
	require.ErrorIs(t, st.Delete(ctx, in.ID), domain.ErrNotFound)
	require.ErrorIs(t, st.Save(ctx, got), domain.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := newTarget("ready")
	inactive := newTarget("inactive")
	inactive.IsActive = false
	cooling := newTarget("cooling")
	reset := now.Add(time.Hour)
	cooling.RateLimitResetAt = &reset
	expired := newTarget("expired")
	past := now.Add(-time.Hour)
	expired.RateLimitResetAt = &past
	quotaOut := newTarget("quota-out")
	quotaOut.IsDisabledByRateLimit = true

	for _, tgt := range []domain.Target{ready, inactive, cooling, expired, quotaOut} {
		require.NoError(t, st.Create(ctx, tgt))
	}

	all, err := st.List(ctx, domain.TargetFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	active := true
	eligible, err := st.List(ctx, domain.TargetFilter{Active: &active, EligibleAt: &now})
	require.NoError(t, err)
	ids := make([]string, 0, len(eligible))
	for _, tgt := range eligible {
		ids = append(ids, tgt.ID)
	}
	require.ElementsMatch(t, []string{ready.ID, expired.ID}, ids)
}

func TestBulkUpdateIsAtomic(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	a := newTarget("a")
	b := newTarget("b")
	require.NoError(t, st.Create(ctx, a))
	require.NoError(t, st.Create(ctx, b))

	a.DailyRequestsUsed = 0
	a.IsDisabledByRateLimit = false
	b.DailyRequestsUsed = 0
	today := time.Now().UTC()
	a.LastResetDate = &today
	b.LastResetDate = &today
	require.NoError(t, st.BulkUpdate(ctx, []domain.Target{a, b}))

	for _, id := range []string{a.ID, b.ID} {
		got, err := st.FindByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.LastResetDate)
		require.Zero(t, got.DailyRequestsUsed)
	}
}

func TestRequestLogAppendAndPrune(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := domain.RequestLog{
		ID:             ulid.Make().String(),
		RequestID:      "req-old",
		TargetID:       "t1",
		Timestamp:      now.Add(-72 * time.Hour),
		RequestedModel: "gemini-2.0-flash",
		ModelUsed:      "gemini-2.0-flash",
		StatusCode:     200,
		ResponseTimeMS: 120,
		TotalTokens:    42,
	}
	fresh := old
	fresh.ID = ulid.Make().String()
	fresh.RequestID = "req-fresh"
	fresh.Timestamp = now
	fresh.IsError = true
	fresh.ErrorType = "RateLimitError"
	fresh.StatusCode = 429

	require.NoError(t, st.Append(ctx, old))
	require.NoError(t, st.Append(ctx, fresh))

	pruned, err := st.PruneLogsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	pruned, err = st.PruneLogsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, pruned)
}
