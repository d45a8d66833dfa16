package central

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/migrations"
)

// DefaultSettle is how far behind the database clock delta pulls stop.
// Writers stamp last_modified with clock_timestamp() before they commit, so
// a row only becomes visible after its stamp. Pulls skip rows younger than
// the settle window so a watermark never passes a row that may still
// commit with a smaller stamp.
const DefaultSettle = 10 * time.Second

// Postgres is the central store client.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	settle time.Duration
}

// NewPostgres constructs a Postgres client over pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Postgres{pool: pool, logger: logger, settle: DefaultSettle}
}

// SetSettle changes the settle window. Zero pulls everything committed.
func (p *Postgres) SetSettle(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.settle = d
}

func (p *Postgres) settleSeconds() float64 {
	return p.settle.Seconds()
}

// Connect opens a pool for dsn. The pool connects lazily, so an offline
// central store does not fail startup.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing central dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, Classify(fmt.Errorf("creating central pool: %w", err))
	}
	return NewPostgres(pool, logger), nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return Classify(p.pool.Ping(ctx))
}

// Migrate applies the embedded central schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	ups, err := migrations.PostgresUp()
	if err != nil {
		return err
	}
	for i, up := range ups {
		if _, err := p.pool.Exec(ctx, up); err != nil {
			return Classify(fmt.Errorf("applying central migration %d: %w", i+1, err))
		}
	}
	return nil
}

// PullAccounts returns accounts modified after since.
func (p *Postgres) PullAccounts(ctx context.Context, since time.Time) ([]target.Account, error) {
	const query = `SELECT id, username, COALESCE(operator_id, ''), status, last_modified
        FROM accounts
        WHERE last_modified > $1 AND last_modified <= clock_timestamp() - make_interval(secs => $2)
        ORDER BY last_modified, id`

	rows, err := p.pool.Query(ctx, query, since.UTC(), p.settleSeconds())
	if err != nil {
		return nil, Classify(fmt.Errorf("pulling accounts: %w", err))
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (target.Account, error) {
		var a target.Account
		err := row.Scan(&a.ID, &a.Username, &a.OperatorID, &a.Status, &a.LastModified)
		a.LastModified = a.LastModified.UTC()
		return a, err
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("scanning accounts: %w", err))
	}
	return accounts, nil
}

// PullRules returns rules modified after since, with account scope
// expressed as the account username.
func (p *Postgres) PullRules(ctx context.Context, since time.Time) ([]safety.Rule, error) {
	const query = `SELECT r.id, r.kind, r.threshold, r.window_seconds, r.severity,
            a.username, r.operator_id, r.active, r.last_modified
        FROM rules r
        LEFT JOIN accounts a ON a.id = r.account_id
        WHERE r.last_modified > $1 AND r.last_modified <= clock_timestamp() - make_interval(secs => $2)
        ORDER BY r.last_modified, r.id`

	rows, err := p.pool.Query(ctx, query, since.UTC(), p.settleSeconds())
	if err != nil {
		return nil, Classify(fmt.Errorf("pulling rules: %w", err))
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (safety.Rule, error) {
		var (
			r             safety.Rule
			windowSeconds int
		)
		err := row.Scan(&r.ID, &r.Kind, &r.Threshold, &windowSeconds, &r.Severity,
			&r.AccountScope, &r.OperatorScope, &r.Active, &r.LastModified)
		r.Window = time.Duration(windowSeconds) * time.Second
		r.LastModified = r.LastModified.UTC()
		return r, err
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("scanning rules: %w", err))
	}
	return rules, nil
}

// PullTargets returns targets modified after since.
func (p *Postgres) PullTargets(ctx context.Context, since time.Time) ([]target.Target, error) {
	const query = `SELECT t.id, t.username, t.status, t.excluded, COALESCE(t.notes, ''),
            COALESCE(a.username, ''), t.last_modified
        FROM targets t
        LEFT JOIN accounts a ON a.id = t.owner_account_id
        WHERE t.last_modified > $1 AND t.last_modified <= clock_timestamp() - make_interval(secs => $2)
        ORDER BY t.last_modified, t.id`

	rows, err := p.pool.Query(ctx, query, since.UTC(), p.settleSeconds())
	if err != nil {
		return nil, Classify(fmt.Errorf("pulling targets: %w", err))
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (target.Target, error) {
		var t target.Target
		err := row.Scan(&t.CentralID, &t.Username, &t.Status, &t.Excluded, &t.Notes, &t.OwnerAccount, &t.LastModified)
		t.LastModified = t.LastModified.UTC()
		return t, err
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("scanning targets: %w", err))
	}
	return targets, nil
}

// errRowRejected marks a per-row problem that does not abort the batch.
type errRowRejected struct {
	reason string
}

func (e *errRowRejected) Error() string { return e.reason }

func reject(format string, args ...any) error {
	return &errRowRejected{reason: fmt.Sprintf(format, args...)}
}

// PushActivities inserts a batch in one transaction with a savepoint per
// row. Rows already present by client_key return their existing id.
func (p *Postgres) PushActivities(ctx context.Context, batch []activity.Envelope) (PushResult, error) {
	result := newPushResult()
	if len(batch) == 0 {
		return result, nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PushResult{}, Classify(fmt.Errorf("beginning push: %w", err))
	}
	defer tx.Rollback(ctx)

	accepted := map[int64]string{}
	for _, env := range batch {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return PushResult{}, Classify(fmt.Errorf("opening savepoint: %w", err))
		}
		id, err := p.pushOne(ctx, sp, env)
		if err != nil {
			_ = sp.Rollback(ctx)
			var rowErr *errRowRejected
			if errors.As(err, &rowErr) {
				result.Rejected[env.Record.LocalID] = rowErr.reason
				continue
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
				result.Rejected[env.Record.LocalID] = pgErr.Message
				continue
			}
			return PushResult{}, Classify(fmt.Errorf("pushing local %d: %w", env.Record.LocalID, err))
		}
		if err := sp.Commit(ctx); err != nil {
			return PushResult{}, Classify(fmt.Errorf("releasing savepoint: %w", err))
		}
		accepted[env.Record.LocalID] = id
	}

	if err := tx.Commit(ctx); err != nil {
		return PushResult{}, Classify(fmt.Errorf("committing push: %w", err))
	}
	result.Accepted = accepted
	p.logger.Debug("push committed", "accepted", len(accepted), "rejected", len(result.Rejected))
	return result, nil
}

func (p *Postgres) pushOne(ctx context.Context, tx pgx.Tx, env activity.Envelope) (string, error) {
	rec := env.Record
	if !rec.Kind.Valid() {
		return "", reject("unknown kind %q", rec.Kind)
	}

	var accountID string
	err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE username = $1`, rec.Account).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", reject("unknown account %q", rec.Account)
	}
	if err != nil {
		return "", err
	}

	var operatorActive bool
	err = tx.QueryRow(ctx, `SELECT active FROM operators WHERE id = $1`, rec.Operator).Scan(&operatorActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", reject("unknown operator %q", rec.Operator)
	}
	if err != nil {
		return "", err
	}
	if !operatorActive {
		return "", reject("operator %q is inactive", rec.Operator)
	}

	var targetID *string
	if rec.Target != "" {
		var id string
		err := tx.QueryRow(ctx, `INSERT INTO targets (username, owner_account_id, last_modified)
            VALUES ($1, $2, clock_timestamp())
            ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
            RETURNING id`, rec.Target, accountID).Scan(&id)
		if err != nil {
			return "", err
		}
		targetID = &id
	}

	var details any
	if len(rec.Details) > 0 {
		if !json.Valid(rec.Details) {
			return "", reject("details are not valid JSON")
		}
		details = string(rec.Details)
	}

	var eventID string
	err = tx.QueryRow(ctx, `INSERT INTO event_logs (client_key, kind, account_id, operator_id, target_id, details, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (client_key) DO NOTHING
        RETURNING id`,
		rec.ClientKey, string(rec.Kind), accountID, rec.Operator, targetID, details, rec.CreatedAt.UTC(),
	).Scan(&eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already pushed: return the canonical id without reapplying effects.
		if err := tx.QueryRow(ctx, `SELECT id FROM event_logs WHERE client_key = $1`, rec.ClientKey).Scan(&eventID); err != nil {
			return "", err
		}
		return eventID, nil
	}
	if err != nil {
		return "", err
	}

	if err := p.applyEffects(ctx, tx, eventID, targetID, env); err != nil {
		return "", err
	}
	return eventID, nil
}

// applyEffects runs the side effects of a newly inserted event.
func (p *Postgres) applyEffects(ctx context.Context, tx pgx.Tx, eventID string, targetID *string, env activity.Envelope) error {
	rec := env.Record
	switch rec.Kind {
	case activity.KindOutreach:
		if env.Outreach != nil {
			if _, err := tx.Exec(ctx, `INSERT INTO outreach_logs (event_id, message, sent_at) VALUES ($1, $2, $3)`,
				eventID, env.Outreach.Message, env.Outreach.SentAt.UTC()); err != nil {
				return err
			}
		}
		if targetID != nil {
			if _, err := tx.Exec(ctx, `UPDATE targets SET status = 'contacted', last_modified = clock_timestamp()
                WHERE id = $1 AND status = 'cold_no_reply'`, *targetID); err != nil {
				return err
			}
		}
	case activity.KindStatusChange:
		if targetID == nil {
			return reject("status change without target")
		}
		var change activity.StatusChangeDetails
		if err := json.Unmarshal(rec.Details, &change); err != nil || !change.Status.Valid() {
			return reject("status change without a valid status")
		}
		if _, err := tx.Exec(ctx, `UPDATE targets
            SET status = $2, notes = COALESCE($3, notes), excluded = excluded OR $2 = 'excluded', last_modified = clock_timestamp()
            WHERE id = $1`, *targetID, string(change.Status), change.Notes); err != nil {
			return err
		}
	}
	return nil
}
