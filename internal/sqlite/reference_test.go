package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestReferenceRepository_WatermarkNeverRegresses(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	refs := NewReferenceRepository(db)

	wm, err := refs.GetWatermark(ctx, repository.CategoryTargets)
	require.NoError(t, err)
	require.True(t, wm.IsZero())

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	require.NoError(t, refs.UpsertTargets(ctx, nil, t1))
	require.NoError(t, refs.UpsertTargets(ctx, nil, t1.Add(-time.Hour)))
	require.NoError(t, refs.UpsertTargets(ctx, nil, time.Time{}))

	wm, err = refs.GetWatermark(ctx, repository.CategoryTargets)
	require.NoError(t, err)
	require.Equal(t, t1, wm)

	other, err := refs.GetWatermark(ctx, repository.CategoryRules)
	require.NoError(t, err)
	require.True(t, other.IsZero())

	_, err = refs.GetWatermark(ctx, repository.Category("goals"))
	require.ErrorIs(t, err, repository.ErrInvalidInput)
}

func TestReferenceRepository_TargetsLastWriteWins(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	refs := NewReferenceRepository(db)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, refs.UpsertTargets(ctx, []target.Target{
		{Username: "jane.doe", CentralID: "TAR_1", Status: target.StatusContacted, LastModified: t1},
	}, t1))

	// Older and equal rows do not replace.
	require.NoError(t, refs.UpsertTargets(ctx, []target.Target{
		{Username: "jane.doe", CentralID: "TAR_1", Status: target.StatusColdNoReply, LastModified: t1.Add(-time.Minute)},
	}, t1))
	require.NoError(t, refs.UpsertTargets(ctx, []target.Target{
		{Username: "jane.doe", CentralID: "TAR_1", Status: target.StatusBooked, LastModified: t1},
	}, t1))
	cached, err := refs.GetTarget(ctx, "jane.doe")
	require.NoError(t, err)
	require.Equal(t, target.StatusContacted, cached.Status)

	require.NoError(t, refs.UpsertTargets(ctx, []target.Target{
		{Username: "jane.doe", CentralID: "TAR_1", Status: target.StatusExcluded, Excluded: true, LastModified: t1.Add(time.Minute)},
	}, t1.Add(time.Minute)))
	cached, err = refs.GetTarget(ctx, "jane.doe")
	require.NoError(t, err)
	require.Equal(t, target.StatusExcluded, cached.Status)
	require.True(t, cached.IsExcluded())
	require.Equal(t, "TAR_1", cached.CentralID)

	missing, err := refs.GetTarget(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestReferenceRepository_UpsertFailureKeepsWatermark(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	refs := NewReferenceRepository(db)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := refs.UpsertTargets(ctx, []target.Target{
		{Username: "ok", Status: target.StatusContacted, LastModified: t1},
		{Username: "", Status: target.StatusContacted, LastModified: t1},
	}, t1)
	require.ErrorIs(t, err, repository.ErrInvalidInput)

	wm, err := refs.GetWatermark(ctx, repository.CategoryTargets)
	require.NoError(t, err)
	require.True(t, wm.IsZero())

	cached, err := refs.GetTarget(ctx, "ok")
	require.NoError(t, err)
	require.Nil(t, cached, "batch applies atomically")
}

func TestReferenceRepository_ActiveRules(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	refs := NewReferenceRepository(db)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rules := []safety.Rule{
		{ID: "global", Kind: safety.KindFrequencyCap, Threshold: 20, Window: 24 * time.Hour, Severity: safety.SeverityWarn, Active: true, LastModified: t1},
		{ID: "acct", Kind: safety.KindFrequencyCap, Threshold: 2, Window: time.Hour, Severity: safety.SeverityBlock, AccountScope: strPtr("agency_one"), Active: true, LastModified: t1},
		{ID: "other-acct", Kind: safety.KindFrequencyCap, Threshold: 2, Window: time.Hour, Severity: safety.SeverityBlock, AccountScope: strPtr("agency_two"), Active: true, LastModified: t1},
		{ID: "opr", Kind: safety.KindIntervalSpacing, Window: 90 * time.Second, Severity: safety.SeverityWarn, OperatorScope: strPtr("OPR_1"), Active: true, LastModified: t1},
		{ID: "off", Kind: safety.KindFrequencyCap, Threshold: 1, Window: time.Hour, Severity: safety.SeverityBlock, Active: false, LastModified: t1},
	}
	require.NoError(t, refs.UpsertRules(ctx, rules, t1))

	got, err := refs.ActiveRules(ctx, "agency_one", "OPR_1")
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	require.Equal(t, []string{"acct", "global", "opr"}, ids)
	require.Equal(t, time.Hour, got[0].Window)
	require.Equal(t, "agency_one", *got[0].AccountScope)
	require.Equal(t, 90*time.Second, got[2].Window)

	// Deactivation arrives as an update.
	rules[1].Active = false
	require.NoError(t, refs.UpsertRules(ctx, rules[1:2], t1.Add(time.Minute)))
	got, err = refs.ActiveRules(ctx, "agency_one", "OPR_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestReferenceRepository_Accounts(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	refs := NewReferenceRepository(db)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, refs.UpsertAccounts(ctx, []target.Account{
		{ID: "ACT_1", Username: "agency_one", OperatorID: "OPR_1", Status: "active", LastModified: t1},
	}, t1))

	acct, err := refs.GetAccount(ctx, "agency_one")
	require.NoError(t, err)
	require.Equal(t, "ACT_1", acct.ID)
	require.Equal(t, "OPR_1", acct.OperatorID)

	_, err = refs.GetAccount(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	wm, err := refs.GetWatermark(ctx, repository.CategoryAccounts)
	require.NoError(t, err)
	require.Equal(t, t1, wm)
}

func TestStore_EvaluatorReadsThroughStore(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertRules(ctx, []safety.Rule{
		{ID: "cap", Kind: safety.KindFrequencyCap, Threshold: 1, Window: time.Hour, Severity: safety.SeverityBlock, Active: true, LastModified: now},
	}, now))
	_, err := store.AppendActivity(ctx, outreachRecord("k1", now.Add(-time.Minute)), nil)
	require.NoError(t, err)

	verdict, err := safety.NewEvaluator(store, nil).Evaluate(ctx, safety.Request{
		AccountID: "agency_one", OperatorID: "OPR_1", Kind: "outreach", Now: now,
	})
	require.NoError(t, err)
	require.Equal(t, safety.LevelBlock, verdict.Level)
}
