package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/repository"
)

// ReferenceRepository caches centrally owned reference data.
type ReferenceRepository struct {
	db *DB
}

// NewReferenceRepository creates a new ReferenceRepository
func NewReferenceRepository(db *DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// advanceWatermark moves the category watermark forward, never back.
func advanceWatermark(ctx context.Context, tx *sql.Tx, category repository.Category, watermark time.Time) error {
	if watermark.IsZero() {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_watermarks (category, watermark_us) VALUES (?, ?)
		ON CONFLICT(category) DO UPDATE SET
			watermark_us = MAX(sync_watermarks.watermark_us, excluded.watermark_us)
	`, category, toMicros(watermark))
	if err != nil {
		return storeError("failed to advance watermark", err)
	}
	return nil
}

// upsert runs apply for each row and advances the watermark in one transaction.
func (r *ReferenceRepository) upsert(ctx context.Context, category repository.Category, watermark time.Time, n int, apply func(tx *sql.Tx, i int) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for i := 0; i < n; i++ {
		if err := apply(tx, i); err != nil {
			return err
		}
	}
	if err := advanceWatermark(ctx, tx, category, watermark); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError(fmt.Sprintf("failed to commit %s", category), err)
	}
	return nil
}

// UpsertTargets applies pulled targets. A pulled row replaces a cached row
// only when strictly newer.
func (r *ReferenceRepository) UpsertTargets(ctx context.Context, rows []target.Target, watermark time.Time) error {
	const query = `
		INSERT INTO targets (username, central_id, status, is_excluded, notes, owner_account, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			central_id = excluded.central_id,
			status = excluded.status,
			is_excluded = excluded.is_excluded,
			notes = excluded.notes,
			owner_account = excluded.owner_account,
			last_modified = excluded.last_modified
		WHERE excluded.last_modified > targets.last_modified
	`
	return r.upsert(ctx, repository.CategoryTargets, watermark, len(rows), func(tx *sql.Tx, i int) error {
		t := rows[i]
		if t.Username == "" {
			return fmt.Errorf("%w: target without username", repository.ErrInvalidInput)
		}
		_, err := tx.ExecContext(ctx, query,
			t.Username,
			nullString(t.CentralID),
			t.Status,
			boolInt(t.Excluded),
			nullString(t.Notes),
			nullString(t.OwnerAccount),
			toMicros(t.LastModified),
		)
		if err != nil {
			return storeError("failed to upsert target", err)
		}
		return nil
	})
}

// UpsertRules replaces cached rules by id.
func (r *ReferenceRepository) UpsertRules(ctx context.Context, rows []safety.Rule, watermark time.Time) error {
	const query = `
		INSERT INTO rules (id, kind, threshold, window_us, severity, account_scope, operator_scope, active, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			threshold = excluded.threshold,
			window_us = excluded.window_us,
			severity = excluded.severity,
			account_scope = excluded.account_scope,
			operator_scope = excluded.operator_scope,
			active = excluded.active,
			last_modified = excluded.last_modified
	`
	return r.upsert(ctx, repository.CategoryRules, watermark, len(rows), func(tx *sql.Tx, i int) error {
		rule := rows[i]
		if rule.ID == "" {
			return fmt.Errorf("%w: rule without id", repository.ErrInvalidInput)
		}
		_, err := tx.ExecContext(ctx, query,
			rule.ID,
			rule.Kind,
			rule.Threshold,
			rule.Window.Microseconds(),
			rule.Severity,
			rule.AccountScope,
			rule.OperatorScope,
			boolInt(rule.Active),
			toMicros(rule.LastModified),
		)
		if err != nil {
			return storeError("failed to upsert rule", err)
		}
		return nil
	})
}

// UpsertAccounts replaces cached accounts by username.
func (r *ReferenceRepository) UpsertAccounts(ctx context.Context, rows []target.Account, watermark time.Time) error {
	const query = `
		INSERT INTO accounts (username, id, operator_id, status, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			id = excluded.id,
			operator_id = excluded.operator_id,
			status = excluded.status,
			last_modified = excluded.last_modified
	`
	return r.upsert(ctx, repository.CategoryAccounts, watermark, len(rows), func(tx *sql.Tx, i int) error {
		a := rows[i]
		if a.Username == "" {
			return fmt.Errorf("%w: account without username", repository.ErrInvalidInput)
		}
		_, err := tx.ExecContext(ctx, query,
			a.Username,
			a.ID,
			nullString(a.OperatorID),
			nullString(a.Status),
			toMicros(a.LastModified),
		)
		if err != nil {
			return storeError("failed to upsert account", err)
		}
		return nil
	})
}

// GetWatermark returns the category watermark, or the zero time if never pulled.
func (r *ReferenceRepository) GetWatermark(ctx context.Context, category repository.Category) (time.Time, error) {
	if !category.Valid() {
		return time.Time{}, fmt.Errorf("%w: unknown category %q", repository.ErrInvalidInput, category)
	}
	var us int64
	err := r.db.QueryRowContext(ctx, `SELECT watermark_us FROM sync_watermarks WHERE category = ?`, category).Scan(&us)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storeError("failed to read watermark", err)
	}
	return fromMicros(us), nil
}

// ActiveRules returns active rules scoped to the account, the operator, or
// nobody. Precedence between scopes is applied by the evaluator.
func (r *ReferenceRepository) ActiveRules(ctx context.Context, account, operator string) ([]safety.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, threshold, window_us, severity, account_scope, operator_scope, active, last_modified
		FROM rules
		WHERE active = 1
			AND (account_scope IS NULL OR account_scope = ?)
			AND (operator_scope IS NULL OR operator_scope = ?)
		ORDER BY id
	`, account, operator)
	if err != nil {
		return nil, storeError("failed to query rules", err)
	}
	defer rows.Close()

	var rules []safety.Rule
	for rows.Next() {
		var (
			rule                        safety.Rule
			windowUS, modified          int64
			active                      int
			accountScope, operatorScope sql.NullString
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.Kind,
			&rule.Threshold,
			&windowUS,
			&rule.Severity,
			&accountScope,
			&operatorScope,
			&active,
			&modified,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Window = time.Duration(windowUS) * time.Microsecond
		rule.Active = active != 0
		rule.LastModified = fromMicros(modified)
		if accountScope.Valid {
			rule.AccountScope = &accountScope.String
		}
		if operatorScope.Valid {
			rule.OperatorScope = &operatorScope.String
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("error iterating rule rows", err)
	}
	return rules, nil
}

// GetTarget returns the cached target, or nil if it is not cached.
func (r *ReferenceRepository) GetTarget(ctx context.Context, username string) (*target.Target, error) {
	var (
		t                              target.Target
		centralID, notes, ownerAccount sql.NullString
		excluded                       int
		modified                       int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT username, central_id, status, is_excluded, notes, owner_account, last_modified
		FROM targets WHERE username = ?
	`, username).Scan(
		&t.Username,
		&centralID,
		&t.Status,
		&excluded,
		&notes,
		&ownerAccount,
		&modified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("failed to get target", err)
	}
	t.CentralID = centralID.String
	t.Excluded = excluded != 0
	t.Notes = notes.String
	t.OwnerAccount = ownerAccount.String
	t.LastModified = fromMicros(modified)
	return &t, nil
}

// GetAccount returns a cached account by username.
func (r *ReferenceRepository) GetAccount(ctx context.Context, username string) (*target.Account, error) {
	var (
		a                  target.Account
		operatorID, status sql.NullString
		modified           int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT username, id, operator_id, status, last_modified
		FROM accounts WHERE username = ?
	`, username).Scan(&a.Username, &a.ID, &operatorID, &status, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, storeError("failed to get account", err)
	}
	a.OperatorID = operatorID.String
	a.Status = status.String
	a.LastModified = fromMicros(modified)
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
