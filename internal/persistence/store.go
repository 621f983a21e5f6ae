package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

/// migration is one schema version: applied in order, ledgered with a
// checksum so a downgrade or divergent schema is caught at startup.
type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "consultd-v1-2026-08-mandates",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS cart_mandates (
				id TEXT PRIMARY KEY,
				skill_id TEXT NOT NULL,
				task_description TEXT NOT NULL,
				cart_json TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expires_at DATETIME NOT NULL,
				is_used INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS payment_mandates (
				id TEXT PRIMARY KEY,
				cart_id TEXT NOT NULL UNIQUE REFERENCES cart_mandates(id),
				payment_json TEXT NOT NULL,
				amount REAL NOT NULL,
				currency TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				processed_at DATETIME
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				skill_id TEXT NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('payment_required', 'working', 'completed', 'failed')),
				user_message TEXT NOT NULL,
				result TEXT,
				error TEXT,
				price REAL NOT NULL,
				currency TEXT NOT NULL,
				cart_id TEXT,
				payment_mandate_id TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at DATETIME,
				completed_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_carts_expiry ON cart_mandates(expires_at, is_used);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		},
	},
	{
		// A payment mandate funds exactly one task.
		version:  2,
		checksum: "consultd-v2-2026-08-payment-binding",
		statements: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_payment_mandate
				ON tasks(payment_mandate_id) WHERE payment_mandate_id IS NOT NULL;`,
		},
	},
}

func schemaVersionLatest() int {
	return migrations[len(migrations)-1].version
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCartAlreadyUsed is returned when a cart's single-use flag has already flipped.
var ErrCartAlreadyUsed = errors.New("cart already used")

// ErrPaymentMandateInUse is returned when a task already references the
// payment mandate. One mandate funds exactly one task.
var ErrPaymentMandateInUse = errors.New("payment mandate already bound to a task")

// ErrIllegalTransition is returned when a task status update violates the
// allowed-transitions table.
var ErrIllegalTransition = errors.New("illegal task transition")

type TaskStatus string

const (
	TaskStatusPaymentRequired TaskStatus = "payment_required"
	TaskStatusWorking         TaskStatus = "working"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
)

// allowedTransitions closes the task state machine: completed and failed
// are terminal, and a paid task enters working directly at creation.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPaymentRequired: {
		TaskStatusWorking: {},
	},
	TaskStatusWorking: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
	},
}

// TransitionAllowed reports whether from → to is a legal task transition.
func TransitionAllowed(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".consultd", "consultd.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies DB liveness for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest() {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest())
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existingChecksum string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existingChecksum); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existingChecksum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existingChecksum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
