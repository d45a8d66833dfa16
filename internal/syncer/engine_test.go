package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rpggio/outpost/internal/central"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/rpggio/outpost/internal/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	store   *sqlite.Store
	central *central.Memory
	queue   *queue.Queue
	engine  *Engine
	events  *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Broadcast(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s %v", event, data))
}

func (r *recorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, c Central) *harness {
	t.Helper()
	db, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := queue.New(16, nil)
	q.Start()
	t.Cleanup(q.Close)

	mem := central.NewMemory()
	mem.SetClock(func() time.Time { return t0 })
	mem.AddOperator("OPR_1")
	mem.PutAccount(target.Account{ID: "ACT_1", Username: "agency_one", OperatorID: "OPR_1"})
	if c == nil {
		c = mem
	}

	store := sqlite.NewStore(db)
	h := &harness{
		store:   store,
		central: mem,
		queue:   q,
		events:  &recorder{},
	}
	h.engine = New(c, store, store, q, Options{
		BatchSize: 10,
		RetryBase: time.Second,
		RetryMax:  time.Minute,
		Now:       func() time.Time { return t0 },
	})
	h.engine.SetBroadcaster(h.events)
	return h
}

func (h *harness) capture(t *testing.T, key, account, targetName string) int64 {
	t.Helper()
	msg := "hi " + targetName
	id, err := h.store.AppendActivity(context.Background(), &activity.Record{
		ClientKey: key,
		Kind:      activity.KindOutreach,
		Account:   account,
		Operator:  "OPR_1",
		Target:    targetName,
		Details:   []byte(`{"verdict":"PASS"}`),
		CreatedAt: t0,
	}, &activity.OutreachDetail{Message: &msg, SentAt: t0})
	require.NoError(t, err)
	return id
}

func TestBackoff(t *testing.T) {
	base, max := 5*time.Second, time.Minute
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Backoff(tt.failures, base, max), "failures=%d", tt.failures)
	}
}

func TestPush_PartialRejection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.capture(t, "k1", "agency_one", "a")
	bad1 := h.capture(t, "k2", "ghost", "b")
	h.capture(t, "k3", "agency_one", "c")
	bad2 := h.capture(t, "k4", "ghost", "d")
	h.capture(t, "k5", "agency_one", "e")

	summary, err := h.engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushSummary{Selected: 5, Accepted: 3, Rejected: 2}, summary)

	pending, err := h.store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, bad1, pending[0].Record.LocalID)
	require.Equal(t, bad2, pending[1].Record.LocalID)
	require.Equal(t, 1, pending[0].Record.PushAttempts)
	require.Contains(t, pending[0].Record.LastPushError, "unknown account")

	status := h.engine.Status()
	require.Equal(t, 3, status.Pushed)
	require.Equal(t, 2, status.Rejected)
}

func TestPush_IdempotentAfterLostReconcile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.capture(t, "k1", "agency_one", "jane.doe")

	// The central store accepted the row but the acknowledgement never
	// reached the local store.
	batch, err := h.store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	first, err := h.central.PushActivities(ctx, batch)
	require.NoError(t, err)

	summary, err := h.engine.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Accepted)
	require.Len(t, h.central.Events(), 1)

	pending, err := h.store.CountUnsynced(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	recs, err := h.store.List(ctx, activity.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, first.Accepted[batch[0].Record.LocalID], *recs[0].CanonicalID)
}

type partialCentral struct {
	*central.Memory
	err error
}

func (p *partialCentral) PushActivities(ctx context.Context, batch []activity.Envelope) (central.PushResult, error) {
	res, err := p.Memory.PushActivities(ctx, batch[:1])
	if err != nil {
		return res, err
	}
	return res, p.err
}

func TestPush_ReconcilesAcceptedOnError(t *testing.T) {
	fake := &partialCentral{err: fmt.Errorf("connection reset: %w", errors.New("read tcp"))}
	h := newHarness(t, fake)
	fake.Memory = h.central
	ctx := context.Background()

	h.capture(t, "k1", "agency_one", "a")
	h.capture(t, "k2", "agency_one", "b")

	summary, err := h.engine.Push(ctx)
	require.Error(t, err)
	require.Equal(t, 1, summary.Accepted)

	pending, err := h.store.CountUnsynced(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestPull_WatermarkFromServerRows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	modified := time.Date(2026, 4, 1, 8, 30, 0, 123456000, time.UTC)

	h.central.PutRule(safety.Rule{
		ID: "RUL_1", Kind: safety.KindFrequencyCap, Threshold: 2, Window: time.Hour,
		Severity: safety.SeverityBlock, Active: true, LastModified: modified,
	})
	h.central.PutRule(safety.Rule{
		ID: "RUL_2", Kind: safety.KindIntervalSpacing, Window: time.Minute,
		Severity: safety.SeverityWarn, Active: true, LastModified: modified.Add(-time.Hour),
	})

	require.NoError(t, h.engine.Pull(ctx))

	wm, err := h.store.GetWatermark(ctx, repository.CategoryRules)
	require.NoError(t, err)
	require.Equal(t, modified, wm)

	rules, err := h.store.ActiveRules(ctx, "agency_one", "OPR_1")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	accounts, err := h.store.GetWatermark(ctx, repository.CategoryAccounts)
	require.NoError(t, err)
	require.Equal(t, t0, accounts)
	require.Equal(t, 2, h.events.count("REFERENCE_UPDATED"))
}

func TestPull_EmptyPullsKeepWatermark(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.central.PutTarget(target.Target{Username: "jane.doe", Status: target.StatusContacted})

	require.NoError(t, h.engine.Pull(ctx))
	before, err := h.store.GetWatermark(ctx, repository.CategoryTargets)
	require.NoError(t, err)
	require.False(t, before.IsZero())

	require.NoError(t, h.engine.Pull(ctx))
	require.NoError(t, h.engine.Pull(ctx))

	after, err := h.store.GetWatermark(ctx, repository.CategoryTargets)
	require.NoError(t, err)
	require.Equal(t, before.UnixNano(), after.UnixNano())
	require.True(t, before.Equal(after))
}

func TestRunOnce_StructuralErrorIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(t, "k1", "agency_one", "jane.doe")
	h.central.SetError(&pgconn.PgError{Code: "28P01", Message: "password authentication failed"})

	err := h.engine.RunOnce(context.Background())
	require.ErrorIs(t, err, central.ErrStructural)

	status := h.engine.Status()
	require.True(t, status.Fatal)
	require.Equal(t, StateBackoff, status.State)
	require.Equal(t, 1, status.Pull.ConsecutiveFailures)
	require.Equal(t, 1, status.Push.ConsecutiveFailures)
	require.Equal(t, 1, status.ConsecutiveFailures)
	require.Equal(t, time.Second, status.CurrentBackoff)
	require.Contains(t, status.LastError, "pull: ")
	require.Contains(t, status.LastError, "push: ")

	require.ErrorIs(t, h.engine.RunOnce(context.Background()), central.ErrStructural)
	status = h.engine.Status()
	require.Equal(t, 2, status.ConsecutiveFailures)
	require.Equal(t, 2*time.Second, status.CurrentBackoff)

	h.central.SetError(nil)
	require.NoError(t, h.engine.RunOnce(context.Background()))
	status = h.engine.Status()
	require.False(t, status.Fatal)
	require.Zero(t, status.ConsecutiveFailures)
	require.Equal(t, StateIdle, status.State)
	require.Equal(t, t0, status.LastSuccess)
}

// rulesDown fails rule pulls with a schema error while everything else
// works.
type rulesDown struct {
	*central.Memory
}

func (r rulesDown) PullRules(context.Context, time.Time) ([]safety.Rule, error) {
	return nil, &pgconn.PgError{Code: "42P01", Message: `relation "rules" does not exist`}
}

func TestCycle_PullAndPushBackOffIndependently(t *testing.T) {
	fake := rulesDown{}
	h := newHarness(t, &fake)
	fake.Memory = h.central
	ctx := context.Background()
	h.engine.opts.PushInterval = time.Hour

	var pullDelays []time.Duration
	for i := 0; i < 4; i++ {
		h.capture(t, fmt.Sprintf("k%d", i), "agency_one", fmt.Sprintf("lead_%d", i))
		pullDelays = append(pullDelays, h.engine.cycle(ctx, StatePulling, h.engine.opts.PullInterval, h.engine.Pull))
		require.Equal(t, time.Hour, h.engine.cycle(ctx, StatePushing, h.engine.opts.PushInterval, h.engine.pushAll))
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, pullDelays)
	require.Len(t, h.central.Events(), 4, "pushes keep succeeding")

	status := h.engine.Status()
	require.Equal(t, StateBackoff, status.State)
	require.Equal(t, 4, status.Pull.ConsecutiveFailures)
	require.True(t, status.Pull.Fatal)
	require.Contains(t, status.Pull.LastError, "42P01")
	require.Zero(t, status.Push.ConsecutiveFailures)
	require.False(t, status.Push.Fatal)
	require.Equal(t, t0, status.Push.LastSuccess)

	require.True(t, status.Fatal)
	require.Equal(t, 4, status.ConsecutiveFailures)
	require.Equal(t, 8*time.Second, status.CurrentBackoff)
	require.Equal(t, status.Pull.LastError, status.LastError)
	require.Equal(t, t0.Add(8*time.Second), status.NextAttempt)
}

func TestRun_TriggerPushesEarly(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.opts.PullInterval = time.Hour
	h.engine.opts.PushInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// Wait for the initial cycles to finish, then capture and trigger.
	require.Eventually(t, func() bool { return !h.engine.Status().LastPush.IsZero() }, time.Second, 5*time.Millisecond)
	h.capture(t, "k1", "agency_one", "jane.doe")
	h.engine.Trigger()

	require.Eventually(t, func() bool { return len(h.central.Events()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestReport_RefreshesPending(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(t, "k1", "agency_one", "a")

	status, err := h.engine.Report(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, status.Pending)
}
