package sqlite

import (
	"context"
	"fmt"
)

// migrations are applied in order; user_version records how many have run.
var migrations = []string{
	// 1: activity log, reference cache, watermarks
	`
CREATE TABLE activities (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_key TEXT NOT NULL UNIQUE,
    canonical_id TEXT UNIQUE,
    kind TEXT NOT NULL CHECK(kind IN ('outreach', 'status_change', 'system')),
    account TEXT NOT NULL,
    operator TEXT NOT NULL,
    target TEXT,
    details TEXT,
    created_at INTEGER NOT NULL,
    synced INTEGER NOT NULL DEFAULT 0,
    push_attempts INTEGER NOT NULL DEFAULT 0,
    last_push_error TEXT
);
CREATE INDEX idx_activities_unsynced ON activities(local_id) WHERE canonical_id IS NULL;
CREATE INDEX idx_activities_history ON activities(account, kind, created_at);

CREATE TRIGGER activities_canonical_once BEFORE UPDATE OF canonical_id ON activities
WHEN old.canonical_id IS NOT NULL AND (new.canonical_id IS NULL OR new.canonical_id <> old.canonical_id)
BEGIN
    SELECT RAISE(ABORT, 'canonical_id is write-once');
END;

CREATE TRIGGER activities_append_only BEFORE DELETE ON activities
BEGIN
    SELECT RAISE(ABORT, 'activities are append-only');
END;

CREATE TABLE outreach_details (
    activity_id INTEGER PRIMARY KEY,
    message TEXT,
    sent_at INTEGER NOT NULL,
    FOREIGN KEY (activity_id) REFERENCES activities(local_id) ON DELETE RESTRICT
);

CREATE TABLE targets (
    username TEXT PRIMARY KEY,
    central_id TEXT,
    status TEXT NOT NULL,
    is_excluded INTEGER NOT NULL DEFAULT 0,
    notes TEXT,
    owner_account TEXT,
    last_modified INTEGER NOT NULL
);

CREATE TABLE rules (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    threshold INTEGER NOT NULL,
    window_us INTEGER NOT NULL,
    severity TEXT NOT NULL,
    account_scope TEXT,
    operator_scope TEXT,
    active INTEGER NOT NULL,
    last_modified INTEGER NOT NULL
);

CREATE TABLE accounts (
    username TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    operator_id TEXT,
    status TEXT,
    last_modified INTEGER NOT NULL
);

CREATE TABLE sync_watermarks (
    category TEXT PRIMARY KEY CHECK(category IN ('accounts', 'rules', 'targets')),
    watermark_us INTEGER NOT NULL
);
`,
	// 2: lookups used by the gate
	`
CREATE INDEX idx_targets_owner ON targets(owner_account);
CREATE INDEX idx_rules_active ON rules(active);
CREATE INDEX idx_accounts_operator ON accounts(operator_id);
`,
}

// SchemaVersion is the user_version of a fully migrated store.
func SchemaVersion() int {
	return len(migrations)
}

func (db *DB) migrate() error {
	ctx := context.Background()
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return storeError("reading schema version", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return storeError("begin migration", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return storeError("commit migration", err)
		}
		db.logger.Debug("applied migration", "version", i+1)
	}
	return nil
}
