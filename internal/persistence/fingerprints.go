package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Fingerprint is the content hash of one file in a snapshot.
type Fingerprint struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Snapshot describes one full fingerprint pass over a root directory.
type Snapshot struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	HashAlgo  string    `json:"hashAlgo"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// WatchdogAlert is a persisted integrity drift signal.
type WatchdogAlert struct {
	ID         string          `json:"id"`
	SnapshotID string          `json:"snapshotId"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	Diff       json.RawMessage `json:"diff"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SaveSnapshot stores a snapshot header and its fingerprints atomically.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot, files []Fingerprint) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin snapshot tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watchdog_snapshots (id, root, hash_algo, file_count, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, snap.ID, snap.Root, snap.HashAlgo, len(files), toNanos(snap.CreatedAt)); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO repo_fingerprints (snapshot_id, path, hash, size) VALUES (?, ?, ?, ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare fingerprint insert: %w", err)
		}
		defer stmt.Close()
		for _, f := range files {
			if _, err := stmt.ExecContext(ctx, snap.ID, f.Path, f.Hash, f.Size); err != nil {
				return fmt.Errorf("insert fingerprint %s: %w", f.Path, err)
			}
		}
		return tx.Commit()
	})
}

// LatestSnapshot returns the most recent snapshot for root with its
// fingerprints sorted by path.
func (s *Store) LatestSnapshot(ctx context.Context, root string) (Snapshot, []Fingerprint, error) {
	var (
		snap    Snapshot
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, root, hash_algo, file_count, created_at
		FROM watchdog_snapshots WHERE root = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1;
	`, root).Scan(&snap.ID, &snap.Root, &snap.HashAlgo, &snap.FileCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil, fmt.Errorf("snapshot for %s: %w", root, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	snap.CreatedAt = fromNanos(created)

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, hash, size FROM repo_fingerprints WHERE snapshot_id = ? ORDER BY path;
	`, snap.ID)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()
	files := make([]Fingerprint, 0, snap.FileCount)
	for rows.Next() {
		var f Fingerprint
		if err := rows.Scan(&f.Path, &f.Hash, &f.Size); err != nil {
			return Snapshot{}, nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, nil, fmt.Errorf("fingerprint rows: %w", err)
	}
	return snap, files, nil
}

// PruneSnapshots deletes all but the newest keep snapshots for root. Their
// fingerprints go with them.
func (s *Store) PruneSnapshots(ctx context.Context, root string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM watchdog_snapshots
			WHERE root = ? AND id NOT IN (
				SELECT id FROM watchdog_snapshots WHERE root = ?
				ORDER BY created_at DESC, rowid DESC LIMIT ?
			);
		`, root, root, keep)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return n, nil
}

// InsertAlert persists a watchdog alert.
func (s *Store) InsertAlert(ctx context.Context, a WatchdogAlert) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO watchdog_alerts (id, snapshot_id, severity, message, diff, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, a.ID, a.SnapshotID, a.Severity, a.Message, string(a.Diff), toNanos(a.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert watchdog alert: %w", err)
	}
	return nil
}

// ListAlerts returns the newest alerts first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]WatchdogAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, severity, message, diff, created_at
		FROM watchdog_alerts ORDER BY created_at DESC, rowid DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query watchdog alerts: %w", err)
	}
	defer rows.Close()
	out := make([]WatchdogAlert, 0)
	for rows.Next() {
		var (
			a       WatchdogAlert
			diff    string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.SnapshotID, &a.Severity, &a.Message, &diff, &created); err != nil {
			return nil, fmt.Errorf("scan watchdog alert: %w", err)
		}
		a.Diff = json.RawMessage(diff)
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("watchdog alert rows: %w", err)
	}
	return out, nil
}
