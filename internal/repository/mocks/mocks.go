package mocks

import (
	"context"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/stretchr/testify/mock"
)

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) AppendActivity(ctx context.Context, rec *activity.Record, detail *activity.OutreachDetail) (int64, error) {
	args := m.Called(ctx, rec, detail)
	return args.Get(0).(int64), args.Error(1)
}

func (m *ActivityRepository) ApplyStatusChange(ctx context.Context, rec *activity.Record, edit target.Edit) (int64, error) {
	args := m.Called(ctx, rec, edit)
	return args.Get(0).(int64), args.Error(1)
}

func (m *ActivityRepository) GetTarget(ctx context.Context, username string) (*target.Target, error) {
	args := m.Called(ctx, username)
	if t, ok := args.Get(0).(*target.Target); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Record, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.Record); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// Evaluator is a mock for activity.Evaluator.
type Evaluator struct {
	mock.Mock
}

func (m *Evaluator) Evaluate(ctx context.Context, req safety.Request) (safety.Verdict, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(safety.Verdict), args.Error(1)
}

// ActivityLog is a mock for repository.ActivityLog.
type ActivityLog struct {
	mock.Mock
}

func (m *ActivityLog) ListUnsynced(ctx context.Context, limit int) ([]activity.Envelope, error) {
	args := m.Called(ctx, limit)
	if list, ok := args.Get(0).([]activity.Envelope); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ActivityLog) ReconcileIDs(ctx context.Context, mapping map[int64]string) error {
	args := m.Called(ctx, mapping)
	return args.Error(0)
}

func (m *ActivityLog) RecordPushFailure(ctx context.Context, failures map[int64]string) error {
	args := m.Called(ctx, failures)
	return args.Error(0)
}

func (m *ActivityLog) CountUnsynced(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// ReferenceStore is a mock for repository.ReferenceStore.
type ReferenceStore struct {
	mock.Mock
}

func (m *ReferenceStore) UpsertAccounts(ctx context.Context, rows []target.Account, watermark time.Time) error {
	args := m.Called(ctx, rows, watermark)
	return args.Error(0)
}

func (m *ReferenceStore) UpsertRules(ctx context.Context, rows []safety.Rule, watermark time.Time) error {
	args := m.Called(ctx, rows, watermark)
	return args.Error(0)
}

func (m *ReferenceStore) UpsertTargets(ctx context.Context, rows []target.Target, watermark time.Time) error {
	args := m.Called(ctx, rows, watermark)
	return args.Error(0)
}

func (m *ReferenceStore) GetWatermark(ctx context.Context, category repository.Category) (time.Time, error) {
	args := m.Called(ctx, category)
	return args.Get(0).(time.Time), args.Error(1)
}
