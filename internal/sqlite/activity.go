package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/repository"
)

// ActivityRepository persists the append-only activity log.
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

const insertActivity = `
	INSERT INTO activities (
		client_key, kind, account, operator, target, details, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
`

func insertRecord(ctx context.Context, tx *sql.Tx, rec *activity.Record) (int64, error) {
	if !rec.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", repository.ErrInvalidInput, rec.Kind)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var details any
	if len(rec.Details) > 0 {
		details = string(rec.Details)
	}
	result, err := tx.ExecContext(ctx, insertActivity,
		rec.ClientKey,
		rec.Kind,
		rec.Account,
		rec.Operator,
		nullString(rec.Target),
		details,
		toMicros(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: duplicate client key %s", repository.ErrInvalidInput, rec.ClientKey)
		}
		return 0, storeError("failed to insert activity", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, storeError("failed to read activity id", err)
	}
	rec.LocalID = id
	rec.CreatedAt = fromMicros(toMicros(createdAt))
	return id, nil
}

// AppendActivity inserts a record and its optional outreach detail atomically.
func (r *ActivityRepository) AppendActivity(ctx context.Context, rec *activity.Record, detail *activity.OutreachDetail) (int64, error) {
	if detail != nil && rec.Kind != activity.KindOutreach {
		return 0, fmt.Errorf("%w: outreach detail on %s record", repository.ErrInvalidInput, rec.Kind)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	id, err := insertRecord(ctx, tx, rec)
	if err != nil {
		return 0, err
	}

	if detail != nil {
		var message any
		if detail.Message != nil {
			message = *detail.Message
		}
		sentAt := detail.SentAt
		if sentAt.IsZero() {
			sentAt = rec.CreatedAt
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outreach_details (activity_id, message, sent_at) VALUES (?, ?, ?)`,
			id, message, toMicros(sentAt),
		); err != nil {
			if isForeignKeyViolation(err) {
				return 0, repository.ErrForeignKeyViolation
			}
			return 0, storeError("failed to insert outreach detail", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError("failed to commit activity", err)
	}
	return id, nil
}

// ApplyStatusChange appends a status_change record and edits the cached
// target in the same transaction.
func (r *ActivityRepository) ApplyStatusChange(ctx context.Context, rec *activity.Record, edit target.Edit) (int64, error) {
	if !edit.Status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", repository.ErrInvalidInput, edit.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	id, err := insertRecord(ctx, tx, rec)
	if err != nil {
		return 0, err
	}

	at := edit.At
	if at.IsZero() {
		at = rec.CreatedAt
	}
	var notes any
	if edit.Notes != nil {
		notes = *edit.Notes
	}
	// Local edits never move last_modified backwards.
	query := `
		INSERT INTO targets (username, status, notes, owner_account, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			status = excluded.status,
			notes = COALESCE(excluded.notes, targets.notes),
			last_modified = MAX(targets.last_modified, excluded.last_modified)
	`
	if _, err := tx.ExecContext(ctx, query, edit.Username, edit.Status, notes, nullString(rec.Account), toMicros(at)); err != nil {
		return 0, storeError("failed to apply target edit", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError("failed to commit status change", err)
	}
	return id, nil
}

const selectEnvelope = `
	SELECT
		a.local_id, a.client_key, a.canonical_id, a.kind, a.account, a.operator,
		a.target, a.details, a.created_at, a.synced, a.push_attempts, a.last_push_error,
		d.activity_id, d.message, d.sent_at
	FROM activities a
	LEFT JOIN outreach_details d ON d.activity_id = a.local_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (activity.Envelope, error) {
	var env activity.Envelope
	rec := &env.Record
	var (
		canonicalID sql.NullString
		targetName  sql.NullString
		details     sql.NullString
		lastError   sql.NullString
		detailID    sql.NullInt64
		message     sql.NullString
		sentAt      sql.NullInt64
		createdAt   int64
		synced      int
	)
	if err := row.Scan(
		&rec.LocalID,
		&rec.ClientKey,
		&canonicalID,
		&rec.Kind,
		&rec.Account,
		&rec.Operator,
		&targetName,
		&details,
		&createdAt,
		&synced,
		&rec.PushAttempts,
		&lastError,
		&detailID,
		&message,
		&sentAt,
	); err != nil {
		return env, err
	}
	if canonicalID.Valid {
		rec.CanonicalID = &canonicalID.String
	}
	rec.Target = targetName.String
	if details.Valid {
		rec.Details = []byte(details.String)
	}
	rec.CreatedAt = fromMicros(createdAt)
	rec.Synced = synced != 0
	rec.LastPushError = lastError.String
	if detailID.Valid {
		env.Outreach = &activity.OutreachDetail{SentAt: fromMicros(sentAt.Int64)}
		if message.Valid {
			env.Outreach.Message = &message.String
		}
	}
	return env, nil
}

func (r *ActivityRepository) queryEnvelopes(ctx context.Context, query string, args ...any) ([]activity.Envelope, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("failed to query activity", err)
	}
	defer rows.Close()

	var envelopes []activity.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("error iterating activity rows", err)
	}
	return envelopes, nil
}

// ListUnsynced returns records without a canonical id, oldest first.
func (r *ActivityRepository) ListUnsynced(ctx context.Context, limit int) ([]activity.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEnvelopes(ctx, selectEnvelope+`
		WHERE a.canonical_id IS NULL
		ORDER BY a.local_id ASC
		LIMIT ?
	`, limit)
}

// ReconcileIDs attaches canonical ids. Conflicting and unknown entries are
// skipped and reported in an *repository.IdentityConflictError; all other
// entries are committed.
func (r *ActivityRepository) ReconcileIDs(ctx context.Context, mapping map[int64]string) error {
	if len(mapping) == 0 {
		return nil
	}
	localIDs := make([]int64, 0, len(mapping))
	for id := range mapping {
		localIDs = append(localIDs, id)
	}
	sort.Slice(localIDs, func(i, j int) bool { return localIDs[i] < localIDs[j] })

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	conflict := &repository.IdentityConflictError{}
	for _, localID := range localIDs {
		proposed := mapping[localID]
		if proposed == "" {
			return fmt.Errorf("%w: empty canonical id for local %d", repository.ErrInvalidInput, localID)
		}

		var existing sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT canonical_id FROM activities WHERE local_id = ?`, localID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			conflict.Missing = append(conflict.Missing, localID)
			continue
		}
		if err != nil {
			return storeError("failed to read canonical id", err)
		}

		switch {
		case !existing.Valid:
			_, err := tx.ExecContext(ctx, `
				UPDATE activities
				SET canonical_id = ?, synced = 1, last_push_error = NULL
				WHERE local_id = ?
			`, proposed, localID)
			if isUniqueViolation(err) {
				conflict.Conflicts = append(conflict.Conflicts, repository.IDConflict{LocalID: localID, Proposed: proposed})
				continue
			}
			if err != nil {
				return storeError("failed to attach canonical id", err)
			}
		case existing.String == proposed:
			// Already reconciled.
		default:
			conflict.Conflicts = append(conflict.Conflicts, repository.IDConflict{
				LocalID:  localID,
				Existing: existing.String,
				Proposed: proposed,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("failed to commit reconciliation", err)
	}
	if len(conflict.Conflicts) > 0 || len(conflict.Missing) > 0 {
		return conflict
	}
	return nil
}

// RecordPushFailure bumps push bookkeeping for rows central rejected.
func (r *ActivityRepository) RecordPushFailure(ctx context.Context, failures map[int64]string) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for localID, reason := range failures {
		if _, err := tx.ExecContext(ctx, `
			UPDATE activities
			SET push_attempts = push_attempts + 1, last_push_error = ?
			WHERE local_id = ? AND canonical_id IS NULL
		`, reason, localID); err != nil {
			return storeError("failed to record push failure", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("failed to commit push failures", err)
	}
	return nil
}

// CountUnsynced returns the number of records awaiting a canonical id.
func (r *ActivityRepository) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE canonical_id IS NULL`).Scan(&n); err != nil {
		return 0, storeError("failed to count unsynced", err)
	}
	return n, nil
}

// OutreachTimes returns creation times of the account's outreach since since.
func (r *ActivityRepository) OutreachTimes(ctx context.Context, account string, since time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT created_at FROM activities
		WHERE account = ? AND kind = 'outreach' AND created_at >= ?
		ORDER BY created_at ASC
	`, account, toMicros(since))
	if err != nil {
		return nil, storeError("failed to query outreach history", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var us int64
		if err := rows.Scan(&us); err != nil {
			return nil, fmt.Errorf("failed to scan outreach time: %w", err)
		}
		times = append(times, fromMicros(us))
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("error iterating outreach rows", err)
	}
	return times, nil
}

// CountOutreachSince counts the account's outreach created at or after since.
func (r *ActivityRepository) CountOutreachSince(ctx context.Context, account string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities
		WHERE account = ? AND kind = 'outreach' AND created_at >= ?
	`, account, toMicros(since)).Scan(&n)
	if err != nil {
		return 0, storeError("failed to count outreach", err)
	}
	return n, nil
}

// LastOutreachAt returns the account's most recent outreach, or false if none.
func (r *ActivityRepository) LastOutreachAt(ctx context.Context, account string) (time.Time, bool, error) {
	var us sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM activities
		WHERE account = ? AND kind = 'outreach'
	`, account).Scan(&us)
	if err != nil {
		return time.Time{}, false, storeError("failed to read last outreach", err)
	}
	if !us.Valid {
		return time.Time{}, false, nil
	}
	return fromMicros(us.Int64), true, nil
}

// List returns activity records matching the given filters, newest first.
func (r *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Record, error) {
	query := selectEnvelope
	var conditions []string
	var args []any

	if opts.Account != "" {
		conditions = append(conditions, "a.account = ?")
		args = append(args, opts.Account)
	}
	if opts.Target != "" {
		conditions = append(conditions, "a.target = ?")
		args = append(args, opts.Target)
	}
	if opts.Kind != nil {
		conditions = append(conditions, "a.kind = ?")
		args = append(args, *opts.Kind)
	}
	if opts.UnsyncedOnly {
		conditions = append(conditions, "a.canonical_id IS NULL")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY a.local_id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	envelopes, err := r.queryEnvelopes(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	records := make([]activity.Record, len(envelopes))
	for i, env := range envelopes {
		records[i] = env.Record
	}
	return records, nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
