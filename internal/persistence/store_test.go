package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "starbridge.db")
	store, err := persistence.Open(dbPath)
	require.NoError(t, err, "open store")
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	require.NoError(t, db.QueryRow(q).Scan(&out), q)
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	assert.Equal(t, "wal", queryOneString(t, db, "PRAGMA journal_mode;"))
	assert.Equal(t, "2", queryOneString(t, db, "PRAGMA synchronous;"))
	assert.Equal(t, "1", queryOneString(t, db, "PRAGMA foreign_keys;"))

	version, checksum, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "sb-v2-2026-09-20-fingerprints", checksum)

	for _, table := range []string{"events", "vector_events", "vector_merkle_roots", "watchdog_snapshots", "repo_fingerprints", "watchdog_alerts", "audit_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	require.NoError(t, store.Close())

	again, err := persistence.Open(path)
	require.NoError(t, err)
	defer again.Close()
	var rows int
	require.NoError(t, again.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	_, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = persistence.Open(path)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	_, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = persistence.Open(path)
	assert.ErrorContains(t, err, "newer than supported")
}

func TestEvents_AppendIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	ev := bus.Event{
		ID: "e1", Topic: bus.TopicDeploy, Source: bus.SourceGitHub, Type: "push",
		TS: time.Date(2026, 5, 1, 10, 0, 0, 123, time.UTC), Payload: json.RawMessage(`{"ref":"main"}`),
	}

	inserted, err := store.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := ev
	dup.Type = "overwritten"
	inserted, err = store.AppendEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	events, err := store.ListEvents(ctx, bus.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "push", events[0].Type)
	assert.True(t, ev.TS.Equal(events[0].TS), "timestamp round trip keeps nanoseconds")
	assert.JSONEq(t, `{"ref":"main"}`, string(events[0].Payload))

	n, err := store.TotalEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEvents_ListFiltersAndOrders(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	topics := []bus.Topic{bus.TopicVault, bus.TopicSystem, bus.TopicVault, bus.TopicEconomy, bus.TopicVault}
	// Insert out of order to check the ts ordering.
	for i := len(topics) - 1; i >= 0; i-- {
		_, err := store.AppendEvent(ctx, bus.Event{
			ID: string(rune('a' + i)), Topic: topics[i], Source: bus.SourceStarBridge, Type: "t",
			TS: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	vault, err := store.ListEvents(ctx, bus.Filter{Topics: []bus.Topic{bus.TopicVault}})
	require.NoError(t, err)
	require.Len(t, vault, 3)
	assert.Equal(t, []string{"a", "c", "e"}, []string{vault[0].ID, vault[1].ID, vault[2].ID})

	since, err := store.ListEvents(ctx, bus.Filter{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "d", since[0].ID)

	limited, err := store.ListEvents(ctx, bus.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEvents_MarkReplayedOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"x", "y"} {
		_, err := store.AppendEvent(ctx, bus.Event{ID: id, Topic: bus.TopicSystem, Source: bus.SourceStarBridge, Type: "t", TS: time.Now()})
		require.NoError(t, err)
	}

	n, err := store.MarkReplayed(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.MarkReplayed(ctx, []string{"x", "y", "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only y is newly marked")

	events, err := store.ListEvents(ctx, bus.Filter{})
	require.NoError(t, err)
	for _, ev := range events {
		assert.True(t, ev.Replayed, ev.ID)
	}
}

func TestBusBackedByStore(t *testing.T) {
	store, _ := openTestStore(t)
	b := bus.New(bus.Config{Log: store})
	ctx := context.Background()

	ev, err := b.PublishInternal(ctx, bus.Event{Topic: bus.TopicGovernor, Source: bus.SourceConduit, Type: "governor.denied"})
	require.NoError(t, err)
	_, err = b.PublishInternal(ctx, ev)
	require.NoError(t, err)

	replayed, err := b.Replay(ctx, bus.Filter{Topics: []bus.Topic{bus.TopicGovernor}})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.True(t, replayed[0].Replayed)
	assert.Equal(t, int64(1), b.Stats().Duplicates)
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	dest := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, store.Backup(context.Background(), dest))
	assert.Error(t, store.Backup(context.Background(), dest), "existing destination is refused")

	copyStore, err := persistence.Open(dest)
	require.NoError(t, err)
	defer copyStore.Close()
}
