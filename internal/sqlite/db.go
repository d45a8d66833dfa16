package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rpggio/outpost/internal/repository"
	_ "modernc.org/sqlite"
)

const (
	corruptSuffix = ".corrupt."
	backupSuffix  = ".backup."
	stampLayout   = "20060102T150405.000000Z"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
	path     string
	logger   *slog.Logger
	recovery Recovery
}

// Options configures Open.
type Options struct {
	BusyTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Recovery reports what Open did to get a usable store.
type Recovery struct {
	Corrupt      bool   `json:"corrupt"`
	MovedTo      string `json:"moved_to,omitempty"`
	RestoredFrom string `json:"restored_from,omitempty"`
	StartedEmpty bool   `json:"started_empty,omitempty"`
	Cause        string `json:"cause,omitempty"`
}

// Open opens the store at path, recovering from corruption if needed.
// ":memory:" opens a private in-memory store.
func Open(path string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if isMemory(path) {
		db, err := openChecked(path, opts)
		if err != nil {
			return nil, err
		}
		return db, db.migrate()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %w", repository.ErrStoreUnavailable, err)
	}

	db, err := openChecked(path, opts)
	if err == nil {
		if err := db.migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	if !errors.Is(err, repository.ErrStoreCorrupt) {
		return nil, err
	}

	opts.Logger.Error("local store failed integrity check", "path", path, "error", err)
	rec := Recovery{Corrupt: true, Cause: err.Error()}
	moved, err := moveAside(path, opts.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: moving corrupt store aside: %w", repository.ErrStoreUnavailable, err)
	}
	rec.MovedTo = moved

	db, restored := restoreNewestBackup(path, opts)
	if db != nil {
		rec.RestoredFrom = restored
	} else {
		db, err = openChecked(path, opts)
		if err != nil {
			return nil, err
		}
		rec.StartedEmpty = true
	}
	db.recovery = rec
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Recovery reports whether Open had to recover from corruption.
func (db *DB) Recovery() Recovery {
	return db.recovery
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

func dsn(path string, busy time.Duration) string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
		"foreign_keys(1)",
		"synchronous(FULL)",
	}
	if !isMemory(path) {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	if !strings.HasPrefix(path, "file:") {
		b.WriteString("file:")
	}
	b.WriteString(path)
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	b.WriteString("&_txlock=immediate")
	return b.String()
}

// openChecked opens path and runs quick_check.
func openChecked(path string, opts Options) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", repository.ErrStoreUnavailable, err)
	}
	// One writer connection. Queries serialize behind it.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: path, logger: opts.Logger}
	if err := db.quickCheck(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) quickCheck(ctx context.Context) error {
	rows, err := db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return storeError("quick check", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return storeError("quick check", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return storeError("quick check", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", repository.ErrStoreCorrupt, strings.Join(problems, "; "))
	}
	return nil
}

func moveAside(path string, now time.Time) (string, error) {
	dest := path + corruptSuffix + now.UTC().Format(stampLayout)
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	for _, side := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + side); err == nil {
			_ = os.Rename(path+side, dest+side)
		}
	}
	return dest, nil
}

// restoreNewestBackup copies the newest healthy backup into place.
func restoreNewestBackup(path string, opts Options) (*DB, string) {
	backups, err := ListBackups(path)
	if err != nil {
		opts.Logger.Warn("listing backups failed", "error", err)
		return nil, ""
	}
	for _, backup := range backups {
		if err := copyFile(backup, path); err != nil {
			opts.Logger.Warn("restoring backup failed", "backup", backup, "error", err)
			continue
		}
		db, err := openChecked(path, opts)
		if err == nil {
			opts.Logger.Info("restored local store from backup", "backup", backup)
			return db, backup
		}
		opts.Logger.Warn("backup failed integrity check", "backup", backup, "error", err)
		_ = os.Remove(path)
	}
	return nil, ""
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Backup writes a consistent copy of the store next to it.
func (db *DB) Backup(ctx context.Context, now time.Time) (string, error) {
	if isMemory(db.path) {
		return "", fmt.Errorf("%w: in-memory store has no backups", repository.ErrInvalidInput)
	}
	dest := db.path + backupSuffix + now.UTC().Format(stampLayout)
	quoted := strings.ReplaceAll(dest, "'", "''")
	if _, err := db.ExecContext(ctx, "VACUUM INTO '"+quoted+"'"); err != nil {
		return "", storeError("backup", err)
	}
	db.logger.Info("local store backed up", "path", dest)
	return dest, nil
}

// ListBackups returns backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	matches, err := filepath.Glob(path + backupSuffix + "*")
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// PruneBackups keeps the newest keep backups and removes the rest.
func (db *DB) PruneBackups(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := ListBackups(db.path)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}
	var removed []string
	var errs []error
	for _, old := range backups[keep:] {
		if err := os.Remove(old); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, old)
	}
	return removed, errors.Join(errs...)
}
