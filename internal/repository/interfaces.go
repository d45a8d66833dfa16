package repository

import (
	"context"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
)

// Category names a reference-data set with its own watermark.
type Category string

const (
	CategoryAccounts Category = "accounts"
	CategoryRules    Category = "rules"
	CategoryTargets  Category = "targets"
)

// Categories lists reference categories in pull order.
var Categories = []Category{CategoryAccounts, CategoryRules, CategoryTargets}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAccounts, CategoryRules, CategoryTargets:
		return true
	}
	return false
}

// ActivityLog manages the unsynced side of activity persistence
type ActivityLog interface {
	ListUnsynced(ctx context.Context, limit int) ([]activity.Envelope, error)
	ReconcileIDs(ctx context.Context, mapping map[int64]string) error
	RecordPushFailure(ctx context.Context, failures map[int64]string) error
	CountUnsynced(ctx context.Context) (int, error)
}

// ReferenceStore manages cached reference data and its watermarks
type ReferenceStore interface {
	UpsertAccounts(ctx context.Context, rows []target.Account, watermark time.Time) error
	UpsertRules(ctx context.Context, rows []safety.Rule, watermark time.Time) error
	UpsertTargets(ctx context.Context, rows []target.Target, watermark time.Time) error
	GetWatermark(ctx context.Context, category Category) (time.Time, error)
}
