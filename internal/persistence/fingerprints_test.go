package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

func TestSnapshots_SaveLatestAndPrune(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, _, err := store.LatestSnapshot(ctx, "/repo")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		files := []persistence.Fingerprint{
			{Path: "b.go", Hash: id + "-b", Size: 2},
			{Path: "a.go", Hash: id + "-a", Size: 1},
		}
		require.NoError(t, store.SaveSnapshot(ctx, persistence.Snapshot{
			ID: id, Root: "/repo", HashAlgo: "SHA-256", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}, files))
	}

	snap, files, err := store.LatestSnapshot(ctx, "/repo")
	require.NoError(t, err)
	assert.Equal(t, "s3", snap.ID)
	assert.Equal(t, 2, snap.FileCount)
	require.Len(t, files, 2)
	assert.Equal(t, "a.go", files[0].Path)
	assert.Equal(t, "s3-a", files[0].Hash)

	pruned, err := store.PruneSnapshots(ctx, "/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	var orphans int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(1) FROM repo_fingerprints WHERE snapshot_id IN ('s1','s2')`).Scan(&orphans))
	assert.Zero(t, orphans, "fingerprints cascade with their snapshot")
}

func TestAlerts_InsertAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i, sev := range []string{"warning", "critical"} {
		require.NoError(t, store.InsertAlert(ctx, persistence.WatchdogAlert{
			ID: sev, SnapshotID: "s", Severity: sev, Message: "drift",
			Diff: json.RawMessage(`{"added":["x"]}`), CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "critical", alerts[0].ID)
	assert.JSONEq(t, `{"added":["x"]}`, string(alerts[0].Diff))

	assert.Error(t, store.InsertAlert(ctx, persistence.WatchdogAlert{ID: "bad", Severity: "meh", Diff: json.RawMessage(`{}`)}),
		"severity is constrained")
}

func TestRunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.InsertAlert(ctx, persistence.WatchdogAlert{
		ID: "old", SnapshotID: "s", Severity: "warning", Message: "m", Diff: json.RawMessage(`{}`), CreatedAt: now.AddDate(0, 0, -40),
	}))
	require.NoError(t, store.InsertAlert(ctx, persistence.WatchdogAlert{
		ID: "new", SnapshotID: "s", Severity: "warning", Message: "m", Diff: json.RawMessage(`{}`), CreatedAt: now.AddDate(0, 0, -1),
	}))
	_, err := store.DB().Exec(`INSERT INTO audit_log (action, decision, created_at) VALUES ('conduit', 'deny', '2026-05-01 00:00:00')`)
	require.NoError(t, err)

	res, err := store.RunRetention(ctx, 30, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.PurgedAlerts)
	assert.Equal(t, int64(1), res.PurgedAuditLogs)
}
