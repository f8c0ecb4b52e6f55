// Package persistence is the fabric's sqlite store. It holds the durable
// event log, vector ledger records and daily rollups, watchdog snapshots and
// alerts, and the audit trail.
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

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sb-v1-2026-09-02-event-fabric"

	// v2 adds per-snapshot fingerprint rows and audit trace ids.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sb-v2-2026-09-20-fingerprints"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned by lookups for a missing row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath is used when no path is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".starbridge", "starbridge.db")
}

// Open opens (creating if needed) the sqlite database at path and brings its
// schema up to date.
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

	store := &Store{db: db, now: time.Now}
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

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
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
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
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

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL CHECK(topic IN ('System', 'Deploy', 'Governor', 'Economy', 'Vault')),
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		payload TEXT,
		replayed INTEGER NOT NULL DEFAULT 0,
		replayed_at INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_topic_ts ON events(topic, ts);`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
	`CREATE TABLE IF NOT EXISTS vector_events (
		id TEXT PRIMARY KEY,
		object_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		model TEXT NOT NULL,
		dim INTEGER NOT NULL,
		hash_algo TEXT NOT NULL,
		vec_hash TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_vector_events_object ON vector_events(object_type, object_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_vector_events_created ON vector_events(created_at, id);`,
	`CREATE TABLE IF NOT EXISTS vector_merkle_roots (
		batch_date TEXT PRIMARY KEY,
		merkle_root TEXT NOT NULL,
		hash_algo TEXT NOT NULL,
		event_count INTEGER NOT NULL,
		computed_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS watchdog_snapshots (
		id TEXT PRIMARY KEY,
		root TEXT NOT NULL,
		hash_algo TEXT NOT NULL,
		file_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS watchdog_alerts (
		id TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		severity TEXT NOT NULL CHECK(severity IN ('warning', 'critical')),
		message TEXT NOT NULL,
		diff TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS repo_fingerprints (
		snapshot_id TEXT NOT NULL REFERENCES watchdog_snapshots(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, path)
	);`,
	`ALTER TABLE audit_log ADD COLUMN trace_id TEXT NOT NULL DEFAULT '';`,
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
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	migrations := []struct {
		version    int
		checksum   string
		statements []string
	}{
		{schemaVersionV1, schemaChecksumV1, schemaV1},
		{schemaVersionV2, schemaChecksumV2, schemaV2},
	}
	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			m.version, m.checksum,
		); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version and checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backup creates an online-consistent copy of the database with VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
