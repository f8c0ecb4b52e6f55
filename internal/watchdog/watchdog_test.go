package watchdog_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
	"github.com/BrandonDucar/dream-net-sub003/internal/watchdog"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type harness struct {
	root   string
	store  *persistence.Store
	bus    *bus.Bus
	wd     *watchdog.Watchdog
	alerts []bus.Event
}

func newHarness(t *testing.T, webhook string) *harness {
	t.Helper()
	h := &harness{root: t.TempDir()}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "wd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.store = store
	h.bus = bus.New(bus.Config{Log: store})
	h.bus.Subscribe([]bus.Topic{bus.TopicSystem}, func(_ context.Context, ev bus.Event) error {
		if ev.Type == bus.TypeWatchdogAlert {
			h.alerts = append(h.alerts, ev)
		}
		return nil
	})

	writeFile(t, h.root, "main.go", "package main")
	writeFile(t, h.root, "internal/a.go", "package internal")
	writeFile(t, h.root, "node_modules/lib/index.js", "ignored")
	writeFile(t, h.root, ".git/HEAD", "ref: refs/heads/main")

	wd, err := watchdog.New(watchdog.Config{
		Root:       h.root,
		WebhookURL: webhook,
		Algo:       hashing.SHA256,
		Store:      store,
		Bus:        h.bus,
	})
	require.NoError(t, err)
	h.wd = wd
	return h
}

func TestFirstRunHasNoAlert(t *testing.T) {
	h := newHarness(t, "")
	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, res.First)
	assert.True(t, res.Diff.Empty())
	assert.Nil(t, res.Alert)
	assert.Equal(t, 2, res.FileCount, "excluded directories are not fingerprinted")
	assert.Empty(t, h.alerts)

	snap, files, err := h.store.LatestSnapshot(context.Background(), h.wd.Root())
	require.NoError(t, err)
	assert.Equal(t, res.SnapshotID, snap.ID)
	require.Len(t, files, 2)
	assert.Equal(t, "internal/a.go", files[0].Path)
	assert.Equal(t, hashing.String(hashing.SHA256, "package internal"), files[0].Hash)
}

func TestNoChangeProducesNoAlert(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, res.First)
	assert.True(t, res.Diff.Empty())
	assert.Nil(t, res.Alert)
	assert.Empty(t, h.alerts)
}

func TestAddedFileIsWarning(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)

	writeFile(t, h.root, "new.go", "package main // new")
	writeFile(t, h.root, "dist/bundle.js", "ignored")
	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new.go"}, res.Diff.Added)
	assert.Empty(t, res.Diff.Removed)
	assert.Empty(t, res.Diff.Changed)
	require.NotNil(t, res.Alert)
	assert.Equal(t, watchdog.SeverityWarning, res.Alert.Severity)
	require.Len(t, h.alerts, 1)
	assert.Equal(t, bus.SourceWatchdog, h.alerts[0].Source)
}

func TestChangedAndRemovedAreCritical(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)

	writeFile(t, h.root, "main.go", "package main // tampered")
	require.NoError(t, os.Remove(filepath.Join(h.root, "internal", "a.go")))
	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, res.Diff.Changed)
	assert.Equal(t, []string{"internal/a.go"}, res.Diff.Removed)
	require.NotNil(t, res.Alert)
	assert.Equal(t, watchdog.SeverityCritical, res.Alert.Severity)
	assert.Contains(t, res.Alert.Message, "1 removed")

	alerts, err := h.store.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	var d watchdog.Diff
	require.NoError(t, json.Unmarshal(alerts[0].Diff, &d))
	assert.Equal(t, res.Diff, d)
}

func TestWebhookReceivesAlert(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	_, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	writeFile(t, h.root, "extra.txt", "x")
	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var got persistence.WatchdogAlert
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, res.Alert.ID, got.ID)
}

func TestWebhookFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	_, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	writeFile(t, h.root, "extra.txt", "x")
	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, res.Alert)
	assert.Len(t, h.alerts, 1)
}

func TestUnreadableFileIsSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of mode")
	}
	h := newHarness(t, "")
	path := filepath.Join(h.root, "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("k"), 0o000))

	res, err := h.wd.RunSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "secret.key", res.Skipped[0].Path)
	assert.Equal(t, 2, res.FileCount)
}

func TestUnreadableFileKeepsPreviousFingerprint(t *testing.T) {
	h := newHarness(t, "")
	var failing atomic.Bool
	wd, err := watchdog.New(watchdog.Config{
		Root:  h.root,
		Algo:  hashing.SHA256,
		Store: h.store,
		Bus:   h.bus,
		OpenFile: func(path string) (io.ReadCloser, error) {
			if failing.Load() && filepath.Base(path) == "main.go" {
				return nil, os.ErrPermission
			}
			return os.Open(path)
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = wd.RunSnapshot(ctx)
	require.NoError(t, err)

	failing.Store(true)
	res, err := wd.RunSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "main.go", res.Skipped[0].Path)
	assert.True(t, res.Diff.Empty(), "unreadable file must not be reported as removed")
	assert.Nil(t, res.Alert)
	assert.Equal(t, 2, res.FileCount)
	assert.Empty(t, h.alerts)

	failing.Store(false)
	writeFile(t, h.root, "main.go", "package main // edited")
	res, err = wd.RunSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, res.Diff.Changed)
	assert.Empty(t, res.Diff.Removed)
}

func TestSnapshotsArePruned(t *testing.T) {
	h := newHarness(t, "")
	wd, err := watchdog.New(watchdog.Config{Root: h.root, Store: h.store, KeepSnapshots: 2})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := wd.RunSnapshot(context.Background())
		require.NoError(t, err)
	}
	var n int
	require.NoError(t, h.store.DB().QueryRow(`SELECT COUNT(1) FROM watchdog_snapshots`).Scan(&n))
	assert.Equal(t, 2, n)
}
