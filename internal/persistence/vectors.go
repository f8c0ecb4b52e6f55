package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VectorEvent is a hash-only ledger record. Raw vectors and payloads are never
// stored.
type VectorEvent struct {
	ID          string    `json:"id"`
	ObjectType  string    `json:"objectType"`
	ObjectID    string    `json:"objectId"`
	Model       string    `json:"model"`
	Dim         int       `json:"dim"`
	HashAlgo    string    `json:"hashAlgo"`
	VecHash     string    `json:"vecHash"`
	PayloadHash string    `json:"payloadHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MerkleRoot is the stored rollup for one UTC day.
type MerkleRoot struct {
	BatchDate  string    `json:"batchDate"`
	MerkleRoot string    `json:"merkleRoot"`
	HashAlgo   string    `json:"hashAlgo"`
	EventCount int       `json:"eventCount"`
	ComputedAt time.Time `json:"computedAt"`
}

const vectorColumns = `id, object_type, object_id, model, dim, hash_algo, vec_hash, payload_hash, created_at`

func scanVectorEvent(scan func(dest ...any) error) (VectorEvent, error) {
	var (
		rec     VectorEvent
		created int64
	)
	if err := scan(&rec.ID, &rec.ObjectType, &rec.ObjectID, &rec.Model, &rec.Dim,
		&rec.HashAlgo, &rec.VecHash, &rec.PayloadHash, &created); err != nil {
		return VectorEvent{}, err
	}
	rec.CreatedAt = fromNanos(created)
	return rec, nil
}

// InsertVectorEvent stores rec unless its id already exists, and returns the
// row as stored.
func (s *Store) InsertVectorEvent(ctx context.Context, rec VectorEvent) (VectorEvent, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO vector_events (`+vectorColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, rec.ID, rec.ObjectType, rec.ObjectID, rec.Model, rec.Dim,
			rec.HashAlgo, rec.VecHash, rec.PayloadHash, toNanos(rec.CreatedAt))
		return err
	})
	if err != nil {
		return VectorEvent{}, fmt.Errorf("insert vector event: %w", err)
	}
	return s.GetVectorEvent(ctx, rec.ID)
}

// GetVectorEvent loads a record by id.
func (s *Store) GetVectorEvent(ctx context.Context, id string) (VectorEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vectorColumns+` FROM vector_events WHERE id = ?;`, id)
	rec, err := scanVectorEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return VectorEvent{}, fmt.Errorf("vector event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return VectorEvent{}, fmt.Errorf("get vector event: %w", err)
	}
	return rec, nil
}

// ListVectorHistory returns records for one object, newest first.
func (s *Store) ListVectorHistory(ctx context.Context, objectType, objectID string, limit int) ([]VectorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vectorColumns+` FROM vector_events
		WHERE object_type = ? AND object_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, objectType, objectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query vector history: %w", err)
	}
	return collectVectorEvents(rows)
}

// ListVectorEventsBetween returns records with from <= created_at < to,
// ordered by created_at then insertion order.
func (s *Store) ListVectorEventsBetween(ctx context.Context, from, to time.Time) ([]VectorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vectorColumns+` FROM vector_events
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at ASC, rowid ASC;
	`, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("query vector events for window: %w", err)
	}
	return collectVectorEvents(rows)
}

func collectVectorEvents(rows *sql.Rows) ([]VectorEvent, error) {
	defer rows.Close()
	out := make([]VectorEvent, 0)
	for rows.Next() {
		rec, err := scanVectorEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan vector event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector event rows: %w", err)
	}
	return out, nil
}

// UpsertMerkleRoot writes the rollup for root.BatchDate, replacing any earlier
// computation for that day.
func (s *Store) UpsertMerkleRoot(ctx context.Context, root MerkleRoot) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO vector_merkle_roots (batch_date, merkle_root, hash_algo, event_count, computed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(batch_date) DO UPDATE SET
				merkle_root = excluded.merkle_root,
				hash_algo = excluded.hash_algo,
				event_count = excluded.event_count,
				computed_at = excluded.computed_at;
		`, root.BatchDate, root.MerkleRoot, root.HashAlgo, root.EventCount, toNanos(root.ComputedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert merkle root: %w", err)
	}
	return nil
}

// GetMerkleRoot loads the rollup for a YYYY-MM-DD date.
func (s *Store) GetMerkleRoot(ctx context.Context, batchDate string) (MerkleRoot, error) {
	var (
		root     MerkleRoot
		computed int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_date, merkle_root, hash_algo, event_count, computed_at
		FROM vector_merkle_roots WHERE batch_date = ?;
	`, batchDate).Scan(&root.BatchDate, &root.MerkleRoot, &root.HashAlgo, &root.EventCount, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return MerkleRoot{}, fmt.Errorf("merkle root %s: %w", batchDate, ErrNotFound)
	}
	if err != nil {
		return MerkleRoot{}, fmt.Errorf("get merkle root: %w", err)
	}
	root.ComputedAt = fromNanos(computed)
	return root, nil
}
