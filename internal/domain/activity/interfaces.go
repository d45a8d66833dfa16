package activity

import (
	"context"

	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
)

// Repository provides persistence operations for activity records.
type Repository interface {
	AppendActivity(ctx context.Context, rec *Record, detail *OutreachDetail) (int64, error)
	ApplyStatusChange(ctx context.Context, rec *Record, edit target.Edit) (int64, error)
	// GetTarget returns nil without error when the target is not cached.
	GetTarget(ctx context.Context, username string) (*target.Target, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
}

// Evaluator decides whether a proposed activity may be written.
type Evaluator interface {
	Evaluate(ctx context.Context, req safety.Request) (safety.Verdict, error)
}
