package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

// AppendEvent stores ev in the durable log. A row with the same id is left
// untouched and reported as not inserted.
func (s *Store) AppendEvent(ctx context.Context, ev bus.Event) (bool, error) {
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO events (id, topic, source, type, ts, payload, replayed)
			VALUES (?, ?, ?, ?, ?, ?, 0);
		`, ev.ID, string(ev.Topic), string(ev.Source), ev.Type, toNanos(ev.TS), payload)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return inserted, nil
}

// ListEvents returns events matching f in ascending ts order.
func (s *Store) ListEvents(ctx context.Context, f bus.Filter) ([]bus.Event, error) {
	f = f.Normalized()
	var (
		where []string
		args  []any
	)
	if len(f.Topics) > 0 {
		marks := make([]string, len(f.Topics))
		for i, t := range f.Topics {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "topic IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toNanos(f.Since))
	}
	q := `SELECT id, topic, source, type, ts, payload, replayed FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC, id ASC LIMIT ?;"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]bus.Event, 0)
	for rows.Next() {
		var (
			ev       bus.Event
			topic    string
			source   string
			ts       int64
			payload  sql.NullString
			replayed int
		)
		if err := rows.Scan(&ev.ID, &topic, &source, &ev.Type, &ts, &payload, &replayed); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Topic = bus.Topic(topic)
		ev.Source = bus.Source(source)
		ev.TS = fromNanos(ts)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.Replayed = replayed == 1
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events rows: %w", err)
	}
	return out, nil
}

// MarkReplayed flags the given events as replayed. Rows already flagged keep
// their original replayed_at.
func (s *Store) MarkReplayed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, toNanos(s.now()))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE events SET replayed = 1, replayed_at = ?
			WHERE replayed_at IS NULL AND id IN (`+strings.Join(marks, ", ")+`);
		`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark replayed: %w", err)
	}
	return n, nil
}

// TotalEventCount returns the number of events in the log.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
