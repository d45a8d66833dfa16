package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpggio/outpost/internal/central"
	"github.com/rpggio/outpost/internal/repository"
)

// PushSummary counts the outcome of one push batch.
type PushSummary struct {
	Selected  int `json:"selected"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
}

// Push sends one batch of unsynced records and reconciles the outcome.
// Accepted ids are reconciled even when the push itself failed.
func (e *Engine) Push(ctx context.Context) (PushSummary, error) {
	batch, err := e.log.ListUnsynced(ctx, e.opts.BatchSize)
	if err != nil {
		return PushSummary{}, fmt.Errorf("listing unsynced: %w", err)
	}
	summary := PushSummary{Selected: len(batch)}
	if len(batch) == 0 {
		return summary, nil
	}

	result, pushErr := e.central.PushActivities(ctx, batch)

	if len(result.Accepted) > 0 {
		err := e.writer.Do(ctx, "reconcile_ids", func(ctx context.Context) error {
			return e.log.ReconcileIDs(ctx, result.Accepted)
		})
		var conflict *repository.IdentityConflictError
		switch {
		case errors.As(err, &conflict):
			summary.Conflicts = len(conflict.Conflicts) + len(conflict.Missing)
			identityConflicts.Add(float64(summary.Conflicts))
			e.logger.Error("identity conflict during reconciliation", "error", conflict)
		case err != nil:
			return summary, fmt.Errorf("reconciling ids: %w", err)
		}
		summary.Accepted = len(result.Accepted) - summary.Conflicts
	}

	if len(result.Rejected) > 0 {
		err := e.writer.Do(ctx, "record_push_failure", func(ctx context.Context) error {
			return e.log.RecordPushFailure(ctx, result.Rejected)
		})
		if err != nil {
			return summary, fmt.Errorf("recording push failures: %w", err)
		}
		summary.Rejected = len(result.Rejected)
		for localID, reason := range result.Rejected {
			e.logger.Warn("record rejected by central store", "local_id", localID, "reason", reason)
		}
	}

	pushedRecords.Add(float64(summary.Accepted))
	rejectedRecords.Add(float64(summary.Rejected))
	e.mu.Lock()
	e.status.Pushed += summary.Accepted
	e.status.Rejected += summary.Rejected
	e.mu.Unlock()

	if pushErr != nil {
		return summary, wrapCentral("pushing activities", pushErr)
	}
	e.logger.Info("push complete",
		"selected", summary.Selected,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected)
	return summary, nil
}

// pushAll pushes batches until the backlog is drained or a batch makes no
// progress, then refreshes the pending count.
func (e *Engine) pushAll(ctx context.Context) error {
	for {
		summary, err := e.Push(ctx)
		if err != nil {
			return err
		}
		if summary.Selected < e.opts.BatchSize || summary.Accepted == 0 {
			break
		}
	}
	if _, err := e.Report(ctx); err != nil {
		return err
	}
	return nil
}

var _ Central = (*central.Postgres)(nil)
var _ Central = (*central.Memory)(nil)
