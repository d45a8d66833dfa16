package activity_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newService(repo *mocks.ActivityRepository, eval *mocks.Evaluator) *activity.Service {
	svc := activity.NewService(repo, eval, nil)
	svc.SetClock(func() time.Time { return fixedNow })
	return svc
}

func outreachRequest() activity.OutreachRequest {
	return activity.OutreachRequest{
		Account:  "agency_one",
		Operator: "OPR_1",
		Target:   "@jane.doe",
		Message:  "hello there",
	}
}

func TestLogOutreach_PassWritesMessage(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}

	eval.On("Evaluate", ctx, safety.Request{AccountID: "agency_one", OperatorID: "OPR_1", Kind: "outreach", Now: fixedNow}).
		Return(safety.Verdict{Level: safety.LevelPass}, nil)
	repo.On("GetTarget", ctx, "jane.doe").Return(nil, nil)
	repo.On("AppendActivity", ctx, mock.MatchedBy(func(rec *activity.Record) bool {
		return rec.Kind == activity.KindOutreach && rec.Target == "jane.doe" && rec.ClientKey != "" && rec.CreatedAt.Equal(fixedNow)
	}), mock.MatchedBy(func(d *activity.OutreachDetail) bool {
		return d.Message != nil && *d.Message == "hello there" && d.SentAt.Equal(fixedNow)
	})).Return(int64(7), nil)

	res, err := newService(repo, eval).LogOutreach(ctx, outreachRequest())
	require.NoError(t, err)
	require.True(t, res.Written)
	require.Equal(t, int64(7), res.LocalID)
	require.NotEmpty(t, res.ClientKey)
	require.False(t, res.Redacted)
	repo.AssertExpectations(t)
	eval.AssertExpectations(t)
}

func TestLogOutreach_ExcludedTargetDropsMessage(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}

	eval.On("Evaluate", ctx, mock.Anything).Return(safety.Verdict{Level: safety.LevelPass}, nil)
	repo.On("GetTarget", ctx, "jane.doe").Return(&target.Target{Username: "jane.doe", Status: target.StatusExcluded}, nil)

	var details activity.OutreachDetails
	repo.On("AppendActivity", ctx, mock.MatchedBy(func(rec *activity.Record) bool {
		return json.Unmarshal(rec.Details, &details) == nil
	}), mock.MatchedBy(func(d *activity.OutreachDetail) bool {
		return d.Message == nil
	})).Return(int64(1), nil)

	res, err := newService(repo, eval).LogOutreach(ctx, outreachRequest())
	require.NoError(t, err)
	require.True(t, res.Written)
	require.True(t, res.Redacted)
	require.True(t, details.Redacted)
	repo.AssertExpectations(t)
}

func TestLogOutreach_RequestExcludedFlag(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}

	eval.On("Evaluate", ctx, mock.Anything).Return(safety.Verdict{Level: safety.LevelPass}, nil)
	repo.On("GetTarget", ctx, "jane.doe").Return(&target.Target{Username: "jane.doe", Status: target.StatusContacted}, nil)
	repo.On("AppendActivity", ctx, mock.Anything, mock.MatchedBy(func(d *activity.OutreachDetail) bool {
		return d.Message == nil
	})).Return(int64(2), nil)

	req := outreachRequest()
	req.Excluded = true
	res, err := newService(repo, eval).LogOutreach(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Redacted)
}

func TestLogOutreach_BlockWithoutForce(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}

	eval.On("Evaluate", ctx, mock.Anything).Return(safety.Verdict{Level: safety.LevelBlock, Reasons: []string{"cap"}}, nil)

	res, err := newService(repo, eval).LogOutreach(ctx, outreachRequest())
	require.ErrorIs(t, err, activity.ErrSafetyBlock)
	require.NotNil(t, res)
	require.False(t, res.Written)
	require.Equal(t, safety.LevelBlock, res.Verdict.Level)
	repo.AssertNotCalled(t, "AppendActivity", mock.Anything, mock.Anything, mock.Anything)
}

func TestLogOutreach_BlockForced(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}

	eval.On("Evaluate", ctx, mock.Anything).Return(safety.Verdict{Level: safety.LevelBlock, Reasons: []string{"cap"}}, nil)
	repo.On("GetTarget", ctx, "jane.doe").Return(nil, nil)
	repo.On("AppendActivity", ctx, mock.Anything, mock.Anything).Return(int64(3), nil)

	req := outreachRequest()
	req.Force = true
	res, err := newService(repo, eval).LogOutreach(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Written)
	require.True(t, res.Forced)
}

func TestLogOutreach_ValidationRejectedBeforeEvaluation(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}
	svc := newService(repo, eval)

	cases := map[string]func(*activity.OutreachRequest){
		"bad target":   func(r *activity.OutreachRequest) { r.Target = "no..dots" },
		"long target":  func(r *activity.OutreachRequest) { r.Target = strings.Repeat("a", 31) },
		"no account":   func(r *activity.OutreachRequest) { r.Account = "" },
		"no operator":  func(r *activity.OutreachRequest) { r.Operator = " " },
		"null byte":    func(r *activity.OutreachRequest) { r.Message = "hi\x00" },
		"long message": func(r *activity.OutreachRequest) { r.Message = strings.Repeat("é", 1001) },
		"trailing dot": func(r *activity.OutreachRequest) { r.Target = "jane." },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := outreachRequest()
			mutate(&req)
			_, err := svc.LogOutreach(ctx, req)
			require.ErrorIs(t, err, activity.ErrValidation)
		})
	}
	eval.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
}

func TestLogOutreach_StoreFailure(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}
	storeErr := errors.New("disk gone")

	eval.On("Evaluate", ctx, mock.Anything).Return(safety.Verdict{Level: safety.LevelWarn, Reasons: []string{"slow down"}}, nil)
	repo.On("GetTarget", ctx, "jane.doe").Return(nil, nil)
	repo.On("AppendActivity", ctx, mock.Anything, mock.Anything).Return(int64(0), storeErr)

	_, err := newService(repo, eval).LogOutreach(ctx, outreachRequest())
	require.ErrorIs(t, err, storeErr)
}

func TestUpdateTargetStatus(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}
	notes := "wants a call"

	repo.On("GetTarget", ctx, "jane.doe").Return(&target.Target{Username: "jane.doe", Status: target.StatusContacted}, nil)
	repo.On("ApplyStatusChange", ctx, mock.MatchedBy(func(rec *activity.Record) bool {
		var d activity.StatusChangeDetails
		require.NoError(t, json.Unmarshal(rec.Details, &d))
		return rec.Kind == activity.KindStatusChange && d.Previous == target.StatusContacted && d.Status == target.StatusReplied
	}), target.Edit{Username: "jane.doe", Status: target.StatusReplied, Notes: &notes, At: fixedNow}).Return(int64(9), nil)

	res, err := newService(repo, eval).UpdateTargetStatus(ctx, activity.StatusChangeRequest{
		Account: "agency_one", Operator: "OPR_1", Target: "jane.doe", Status: target.StatusReplied, Notes: &notes,
	})
	require.NoError(t, err)
	require.Equal(t, int64(9), res.LocalID)
	repo.AssertExpectations(t)
}

func TestUpdateTargetStatus_UnknownStatus(t *testing.T) {
	svc := newService(&mocks.ActivityRepository{}, &mocks.Evaluator{})
	_, err := svc.UpdateTargetStatus(context.Background(), activity.StatusChangeRequest{
		Account: "agency_one", Operator: "OPR_1", Target: "jane.doe", Status: "Hot",
	})
	require.ErrorIs(t, err, activity.ErrValidation)
}

func TestSwitchAccount(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}

	repo.On("AppendActivity", ctx, mock.MatchedBy(func(rec *activity.Record) bool {
		var d activity.AccountChangedDetails
		require.NoError(t, json.Unmarshal(rec.Details, &d))
		return rec.Kind == activity.KindSystem && rec.Account == "agency_two" &&
			d.Event == activity.EventActiveAccountChanged && d.Old == "agency_one" && d.New == "agency_two"
	}), (*activity.OutreachDetail)(nil)).Return(int64(4), nil)

	res, err := newService(repo, &mocks.Evaluator{}).SwitchAccount(ctx, activity.AccountSwitchRequest{
		Operator: "OPR_1", Old: "agency_one", New: "agency_two",
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.LocalID)
	repo.AssertExpectations(t)
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	eval := &mocks.Evaluator{}

	eval.On("Evaluate", ctx, mock.Anything).Return(safety.Verdict{Level: safety.LevelWarn}, nil)
	repo.On("GetTarget", ctx, "jane.doe").Return(&target.Target{Username: "jane.doe", Excluded: true}, nil)

	preview, err := newService(repo, eval).Preflight(ctx, "agency_one", "OPR_1", "jane.doe")
	require.NoError(t, err)
	require.Equal(t, safety.LevelWarn, preview.Verdict.Level)
	require.True(t, preview.Redacted)
	repo.AssertNotCalled(t, "AppendActivity", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetRecentActivity(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ActivityRepository{}
	opts := activity.ListOptions{Account: "agency_one", Limit: 10}
	repo.On("List", ctx, opts).Return([]activity.Record{{LocalID: 1}}, nil)

	records, err := newService(repo, &mocks.Evaluator{}).GetRecentActivity(ctx, opts)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
