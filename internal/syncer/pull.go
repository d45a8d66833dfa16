package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/rpggio/outpost/internal/transport"
)

// ReferenceUpdate is the NOTIFY payload after a category changed locally.
type ReferenceUpdate struct {
	Category repository.Category `json:"category"`
	Count    int                 `json:"count"`
}

// Pull fetches reference deltas in category order and applies each
// category atomically with its new watermark.
func (e *Engine) Pull(ctx context.Context) error {
	for _, category := range repository.Categories {
		n, err := e.pullCategory(ctx, category)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		pulledRows.WithLabelValues(string(category)).Add(float64(n))
		e.logger.Info("reference data updated", "category", string(category), "rows", n)
		e.broadcast(transport.EventReferenceUpdated, ReferenceUpdate{Category: category, Count: n})
	}
	return nil
}

func (e *Engine) pullCategory(ctx context.Context, category repository.Category) (int, error) {
	since, err := e.refs.GetWatermark(ctx, category)
	if err != nil {
		return 0, fmt.Errorf("reading %s watermark: %w", category, err)
	}

	switch category {
	case repository.CategoryAccounts:
		rows, err := e.central.PullAccounts(ctx, since)
		if err != nil {
			return 0, wrapCentral("pulling accounts", err)
		}
		return apply(ctx, e.writer, "upsert_accounts", rows,
			func(a target.Account) time.Time { return a.LastModified },
			e.refs.UpsertAccounts)
	case repository.CategoryRules:
		rows, err := e.central.PullRules(ctx, since)
		if err != nil {
			return 0, wrapCentral("pulling rules", err)
		}
		return apply(ctx, e.writer, "upsert_rules", rows,
			func(r safety.Rule) time.Time { return r.LastModified },
			e.refs.UpsertRules)
	case repository.CategoryTargets:
		rows, err := e.central.PullTargets(ctx, since)
		if err != nil {
			return 0, wrapCentral("pulling targets", err)
		}
		return apply(ctx, e.writer, "upsert_targets", rows,
			func(t target.Target) time.Time { return t.LastModified },
			e.refs.UpsertTargets)
	}
	return 0, fmt.Errorf("unknown category %q", category)
}

// apply upserts rows with the largest server-assigned last_modified as the
// new watermark. An empty delta writes nothing.
func apply[T any](
	ctx context.Context,
	writer Writer,
	name string,
	rows []T,
	modified func(T) time.Time,
	upsert func(context.Context, []T, time.Time) error,
) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var watermark time.Time
	for _, row := range rows {
		if m := modified(row); m.After(watermark) {
			watermark = m
		}
	}
	err := writer.Do(ctx, name, func(ctx context.Context) error {
		return upsert(ctx, rows, watermark)
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return len(rows), nil
}
