package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/gate"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/rpggio/outpost/internal/testserver"
	"github.com/rpggio/outpost/internal/transport"
	"github.com/stretchr/testify/require"
)

func logOutreach(t *testing.T, c *gate.Client, account, targetName string, force bool) transport.Response {
	t.Helper()
	return c.Submit(context.Background(), transport.TypeLogOutreach, gate.LogOutreachParams{
		Account: account,
		Target:  targetName,
		Message: "hi " + targetName,
		Force:   force,
	})
}

func capture(t *testing.T, resp transport.Response) activity.CaptureResult {
	t.Helper()
	var out activity.CaptureResult
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

// Two sends pass a cap of two per hour, the third is blocked until forced.
func TestScenario_FrequencyCapBlocksThenForce(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	ts.AddRule(t, safety.Rule{
		ID: "RUL_cap", Kind: safety.KindFrequencyCap, Threshold: 2, Window: time.Hour,
		Severity: safety.SeverityBlock, Active: true,
	})
	c := ts.Client(t, "")

	for _, name := range []string{"lead.one", "lead.two"} {
		resp := logOutreach(t, c, testserver.Account, name, false)
		require.True(t, resp.Success, resp.Error)
		require.Equal(t, safety.LevelPass, capture(t, resp).Verdict.Level)
	}

	blocked := logOutreach(t, c, testserver.Account, "lead.three", false)
	require.False(t, blocked.Success)
	require.Equal(t, transport.CodeSafetyBlock, blocked.ErrorCode)
	result := capture(t, blocked)
	require.False(t, result.Written)
	require.Equal(t, []string{"RUL_cap"}, result.Verdict.RuleIDs)

	pending, err := ts.Store.CountUnsynced(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pending, "a blocked send is not written")

	forced := logOutreach(t, c, testserver.Account, "lead.three", true)
	require.True(t, forced.Success, forced.Error)
	result = capture(t, forced)
	require.True(t, result.Written)
	require.True(t, result.Forced)
	require.Equal(t, safety.LevelBlock, result.Verdict.Level)
}

// Five records, two under an account central does not know: 3 accepted,
// 2 kept locally with the rejection reason.
func TestScenario_PartialRejection(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	c := ts.Client(t, "")
	ctx := context.Background()

	accounts := []string{testserver.Account, "ghost_acct", testserver.Account, "ghost_acct", testserver.Account}
	for i, account := range accounts {
		resp := logOutreach(t, c, account, fmt.Sprintf("lead_%d", i), false)
		require.True(t, resp.Success, resp.Error)
	}

	require.NoError(t, ts.Engine.RunOnce(ctx))

	status := ts.Engine.Status()
	require.Equal(t, 3, status.Pushed)
	require.Equal(t, 2, status.Rejected)
	require.Zero(t, status.ConsecutiveFailures, "rejections are not transport failures")

	unsynced, err := ts.Store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	for _, env := range unsynced {
		require.Equal(t, "ghost_acct", env.Record.Account)
		require.NotEmpty(t, env.Record.LastPushError)
		require.Equal(t, 1, env.Record.PushAttempts)
	}
	require.Len(t, ts.Central.Events(), 3)
}

// Pulls that return nothing leave every watermark exactly as it was.
func TestScenario_EmptyPullsKeepWatermark(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	ctx := context.Background()

	ts.Central.PutTarget(target.Target{Username: "jane.doe", Status: target.StatusContacted})
	require.NoError(t, ts.Engine.Pull(ctx))

	before := map[repository.Category]time.Time{}
	for _, cat := range repository.Categories {
		wm, err := ts.Store.GetWatermark(ctx, cat)
		require.NoError(t, err)
		before[cat] = wm
	}
	require.False(t, before[repository.CategoryTargets].IsZero())
	require.False(t, before[repository.CategoryAccounts].IsZero())

	for i := 0; i < 2; i++ {
		require.NoError(t, ts.Engine.Pull(ctx))
	}
	for _, cat := range repository.Categories {
		wm, err := ts.Store.GetWatermark(ctx, cat)
		require.NoError(t, err)
		require.True(t, before[cat].Equal(wm), cat)
		require.Equal(t, before[cat].UnixMicro(), wm.UnixMicro(), cat)
	}
}

// A stopped agent answers every client request with SERVICE_UNAVAILABLE
// within the dial bound.
func TestScenario_StoppedServiceIsUnavailable(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	c := ts.Client(t, "")

	resp := c.Submit(context.Background(), transport.TypePing, nil)
	require.True(t, resp.Success, resp.Error)

	ts.Stop()

	start := time.Now()
	resp = c.Submit(context.Background(), transport.TypePing, nil)
	require.Less(t, time.Since(start), gate.DefaultDialTimeout+500*time.Millisecond)
	require.False(t, resp.Success)
	require.Equal(t, transport.CodeServiceUnavailable, resp.ErrorCode)
}

// Pushing the same records twice leaves one canonical row each.
func TestProperty_IdempotentPush(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	c := ts.Client(t, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, logOutreach(t, c, testserver.Account, fmt.Sprintf("lead_%d", i), false).Success)
	}
	unsynced, err := ts.Store.ListUnsynced(ctx, 10)
	require.NoError(t, err)

	// Push behind the engine's back, as if a previous cycle lost its reply.
	first, err := ts.Central.PushActivities(ctx, unsynced)
	require.NoError(t, err)
	require.Len(t, first.Accepted, 3)

	require.NoError(t, ts.Engine.RunOnce(ctx))
	require.Len(t, ts.Central.Events(), 3)

	records, err := ts.Activity.GetRecentActivity(ctx, activity.ListOptions{})
	require.NoError(t, err)
	for _, r := range records {
		require.True(t, r.Synced)
		require.Equal(t, first.Accepted[r.LocalID], *r.CanonicalID)
	}
}

// Outreach to an excluded target stores no message text, yet the record
// still syncs.
func TestProperty_ExcludedTargetRedacted(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	c := ts.Client(t, "")
	ctx := context.Background()

	ts.Central.PutTarget(target.Target{Username: "private.person", Status: target.StatusExcluded, Excluded: true})
	require.NoError(t, ts.Engine.Pull(ctx))

	resp := logOutreach(t, c, testserver.Account, "private.person", false)
	require.True(t, resp.Success, resp.Error)
	require.True(t, capture(t, resp).Redacted)

	unsynced, err := ts.Store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.NotNil(t, unsynced[0].Outreach, "the detail row exists")
	require.Nil(t, unsynced[0].Outreach.Message)

	require.NoError(t, ts.Engine.RunOnce(ctx))
	events := ts.Central.Events()
	require.Len(t, events, 1)
	require.Nil(t, events[0].Message)
}

// Two sessions writing at once end with the union of their records and
// distinct local ids.
func TestProperty_ConcurrentSessions(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	clients := []*gate.Client{ts.Client(t, ""), ts.Client(t, "")}
	const perClient = 20

	var wg sync.WaitGroup
	for ci, c := range clients {
		for i := 0; i < perClient; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := logOutreach(t, c, testserver.Account, fmt.Sprintf("lead_%d_%d", ci, i), false)
				require.True(t, resp.Success, resp.Error)
			}()
		}
	}
	wg.Wait()

	records, err := ts.Activity.GetRecentActivity(context.Background(), activity.ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2*perClient)

	ids := map[int64]bool{}
	keys := map[string]bool{}
	for _, r := range records {
		ids[r.LocalID] = true
		keys[r.ClientKey] = true
	}
	require.Len(t, ids, 2*perClient)
	require.Len(t, keys, 2*perClient)
}

// An account switch on one session reaches the others as a notification.
func TestScenario_AccountSwitchNotifiesSessions(t *testing.T) {
	ts := testserver.New(t, testserver.Options{})
	switcher := ts.Client(t, "")
	listener := ts.Client(t, "")
	require.True(t, listener.Submit(context.Background(), transport.TypePing, nil).Success)

	resp := switcher.Submit(context.Background(), transport.TypeSwitchAccount, gate.SwitchAccountParams{Account: "agency_two"})
	require.True(t, resp.Success, resp.Error)

	select {
	case note := <-listener.Notifications():
		require.Equal(t, transport.EventAccountChanged, note.Payload.Event)
		var ev gate.AccountChangedEvent
		require.NoError(t, json.Unmarshal(note.Payload.Data, &ev))
		require.Equal(t, "agency_two", ev.New)
		require.Equal(t, testserver.OperatorID, ev.Operator)
	case <-time.After(2 * time.Second):
		t.Fatal("no ACCOUNT_CHANGED notification")
	}
	require.Equal(t, "agency_two", ts.Sessions.Current().ActiveAccount)
}

func TestAuthRequired(t *testing.T) {
	ts := testserver.New(t, testserver.Options{AuthKey: "s3cret"})

	denied := ts.Client(t, "wrong").Submit(context.Background(), transport.TypePing, nil)
	require.False(t, denied.Success)
	require.Equal(t, transport.CodeServiceUnavailable, denied.ErrorCode)

	ok := ts.Client(t, "s3cret").Submit(context.Background(), transport.TypePing, nil)
	require.True(t, ok.Success, ok.Error)
}
