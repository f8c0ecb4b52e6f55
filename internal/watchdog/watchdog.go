// Package watchdog fingerprints a directory tree, diffs each snapshot against
// the previous one and raises an alert when files drift.
package watchdog

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	defaultKeepSnapshots = 10
	snapshotIDAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	snapshotIDLength     = 16
)

// DefaultExcludes are directory names never descended into.
var DefaultExcludes = []string{".git", "node_modules", "vendor", "dist", "build", ".next", "coverage"}

// Store is the persistence the watchdog needs.
type Store interface {
	SaveSnapshot(ctx context.Context, snap persistence.Snapshot, files []persistence.Fingerprint) error
	LatestSnapshot(ctx context.Context, root string) (persistence.Snapshot, []persistence.Fingerprint, error)
	PruneSnapshots(ctx context.Context, root string, keep int) (int64, error)
	InsertAlert(ctx context.Context, a persistence.WatchdogAlert) error
}

// Publisher is the part of the bus the watchdog depends on.
type Publisher interface {
	PublishInternal(ctx context.Context, ev bus.Event) (bus.Event, error)
}

// Config holds the watchdog's dependencies and settings.
type Config struct {
	Root          string
	Exclude       []string
	WebhookURL    string
	Algo          hashing.Algo
	Store         Store
	Bus           Publisher
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	HTTPClient    *http.Client
	Concurrency   int
	KeepSnapshots int
	// OpenFile opens a file for hashing. Defaults to os.Open.
	OpenFile func(path string) (io.ReadCloser, error)
	Now      func() time.Time
}

// Diff lists drifted paths, each sorted.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Empty reports whether nothing drifted.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Severity is critical when existing files were removed or modified.
func (d Diff) Severity() string {
	if len(d.Removed) > 0 || len(d.Changed) > 0 {
		return SeverityCritical
	}
	return SeverityWarning
}

// SkippedFile records a file that could not be fingerprinted. Its previous
// fingerprint, if any, is carried into the new snapshot so an unreadable file
// is never reported as removed.
type SkippedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result is the outcome of one snapshot run.
type Result struct {
	SnapshotID string                     `json:"snapshotId"`
	FileCount  int                        `json:"fileCount"`
	First      bool                       `json:"first"`
	Diff       Diff                       `json:"diff"`
	Skipped    []SkippedFile              `json:"skipped,omitempty"`
	Alert      *persistence.WatchdogAlert `json:"alert,omitempty"`
}

// Watchdog runs integrity snapshots over one root directory.
type Watchdog struct {
	root        string
	exclude     map[string]struct{}
	webhookURL  string
	algo        hashing.Algo
	store       Store
	bus         Publisher
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	open        func(path string) (io.ReadCloser, error)
	client      *http.Client
	concurrency int
	keep        int
	now         func() time.Time

	// runMu keeps snapshot runs from overlapping.
	runMu sync.Mutex
}

// New creates a Watchdog. Root defaults to the working directory.
func New(cfg Config) (*Watchdog, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watchdog root: %w", err)
	}
	excludes := cfg.Exclude
	if excludes == nil {
		excludes = DefaultExcludes
	}
	ex := make(map[string]struct{}, len(excludes))
	for _, name := range excludes {
		ex[name] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	algo := cfg.Algo
	if !algo.Valid() {
		algo = hashing.Default
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = runtime.NumCPU()
	}
	keep := cfg.KeepSnapshots
	if keep <= 0 {
		keep = defaultKeepSnapshots
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	open := cfg.OpenFile
	if open == nil {
		open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	return &Watchdog{
		root:        abs,
		exclude:     ex,
		webhookURL:  cfg.WebhookURL,
		algo:        algo,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger.With("component", "watchdog", "root", abs),
		metrics:     cfg.Metrics,
		tracer:      otel.TracerOrNoop(cfg.Tracer),
		open:        open,
		client:      client,
		concurrency: conc,
		keep:        keep,
		now:         now,
	}, nil
}

// Root returns the absolute directory being watched.
func (w *Watchdog) Root() string {
	return w.root
}

// RunSnapshot fingerprints the tree, diffs it against the previous snapshot,
// persists the new snapshot and raises an alert for any drift.
func (w *Watchdog) RunSnapshot(ctx context.Context) (Result, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	ctx, span := otel.StartSpan(ctx, w.tracer, "watchdog.snapshot", otel.AttrHashAlgo.String(string(w.algo)))
	defer span.End()

	files, skipped, err := w.fingerprint(ctx)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	res := Result{Skipped: skipped}
	_, prev, err := w.store.LatestSnapshot(ctx, w.root)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		res.First = true
	case err != nil:
		span.RecordError(err)
		return Result{}, err
	default:
		files = carryForward(prev, files, skipped)
		res.Diff = diff(prev, files)
	}
	res.FileCount = len(files)

	id, err := nanoid.Generate(snapshotIDAlphabet, snapshotIDLength)
	if err != nil {
		return Result{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	res.SnapshotID = id
	span.SetAttributes(otel.AttrSnapshotID.String(id))
	snap := persistence.Snapshot{
		ID:        id,
		Root:      w.root,
		HashAlgo:  string(w.algo),
		FileCount: len(files),
		CreatedAt: w.now().UTC(),
	}
	if err := w.store.SaveSnapshot(ctx, snap, files); err != nil {
		return Result{}, err
	}
	w.logger.Info("snapshot stored",
		"snapshot_id", id, "files", len(files), "skipped", len(skipped),
		"added", len(res.Diff.Added), "removed", len(res.Diff.Removed), "changed", len(res.Diff.Changed))

	if !res.Diff.Empty() {
		alert, err := w.raise(ctx, id, res.Diff)
		if err != nil {
			return Result{}, err
		}
		res.Alert = &alert
	}

	if n, err := w.store.PruneSnapshots(ctx, w.root, w.keep); err != nil {
		w.logger.Warn("prune snapshots failed", "error", err)
	} else if n > 0 {
		w.logger.Debug("pruned old snapshots", "count", n)
	}
	return res, nil
}

func (w *Watchdog) fingerprint(ctx context.Context) ([]persistence.Fingerprint, []SkippedFile, error) {
	var (
		paths   []string
		skipped []SkippedFile
	)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return err
			}
			w.logger.Warn("walk failed", "path", path, "error", err)
			skipped = append(skipped, SkippedFile{Path: w.rel(path), Error: err.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, skip := w.exclude[d.Name()]; skip && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", w.root, err)
	}

	files := make([]persistence.Fingerprint, len(paths))
	ok := make([]bool, len(paths))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, size, err := w.hashFile(path)
			if err != nil {
				w.logger.Warn("hash failed", "path", path, "error", err)
				mu.Lock()
				skipped = append(skipped, SkippedFile{Path: w.rel(path), Error: err.Error()})
				mu.Unlock()
				return nil
			}
			files[i] = persistence.Fingerprint{Path: w.rel(path), Hash: sum, Size: size}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := files[:0]
	for i, f := range files {
		if ok[i] {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	return out, skipped, nil
}

// carryForward adds the previous fingerprint of every skipped path, or of
// every file under a skipped directory, to files.
func carryForward(prev, files []persistence.Fingerprint, skipped []SkippedFile) []persistence.Fingerprint {
	if len(skipped) == 0 {
		return files
	}
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[f.Path] = struct{}{}
	}
	added := false
	for _, f := range prev {
		if _, ok := present[f.Path]; ok {
			continue
		}
		for _, sk := range skipped {
			if f.Path == sk.Path || strings.HasPrefix(f.Path, sk.Path+"/") {
				files = append(files, f)
				added = true
				break
			}
		}
	}
	if added {
		sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	}
	return files
}

func (w *Watchdog) hashFile(path string) (string, int64, error) {
	f, err := w.open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := w.algo.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (w *Watchdog) rel(path string) string {
	r, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

func diff(prev, next []persistence.Fingerprint) Diff {
	old := make(map[string]string, len(prev))
	for _, f := range prev {
		old[f.Path] = f.Hash
	}
	d := Diff{Added: []string{}, Removed: []string{}, Changed: []string{}}
	seen := make(map[string]struct{}, len(next))
	for _, f := range next {
		seen[f.Path] = struct{}{}
		h, existed := old[f.Path]
		switch {
		case !existed:
			d.Added = append(d.Added, f.Path)
		case h != f.Hash:
			d.Changed = append(d.Changed, f.Path)
		}
	}
	for p := range old {
		if _, ok := seen[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func summarize(d Diff) string {
	var parts []string
	if n := len(d.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added", n))
	}
	if n := len(d.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", n))
	}
	if n := len(d.Changed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d changed", n))
	}
	return "integrity drift: " + strings.Join(parts, ", ")
}

func (w *Watchdog) raise(ctx context.Context, snapshotID string, d Diff) (persistence.WatchdogAlert, error) {
	diffJSON, err := json.Marshal(d)
	if err != nil {
		return persistence.WatchdogAlert{}, fmt.Errorf("encode diff: %w", err)
	}
	alert := persistence.WatchdogAlert{
		ID:         uuid.NewString(),
		SnapshotID: snapshotID,
		Severity:   d.Severity(),
		Message:    summarize(d),
		Diff:       diffJSON,
		CreatedAt:  w.now().UTC(),
	}
	if err := w.store.InsertAlert(ctx, alert); err != nil {
		return persistence.WatchdogAlert{}, err
	}
	w.metrics.RecordWatchdogAlert(ctx, alert.Severity)
	w.logger.Warn("integrity alert", "alert_id", alert.ID, "severity", alert.Severity, "message", alert.Message)

	if w.webhookURL != "" {
		if err := w.postWebhook(ctx, alert); err != nil {
			w.logger.Warn("alert webhook failed", "alert_id", alert.ID, "error", err)
		}
	}
	if w.bus != nil {
		_, err := w.bus.PublishInternal(ctx, bus.Event{
			Topic:   bus.TopicSystem,
			Source:  bus.SourceWatchdog,
			Type:    bus.TypeWatchdogAlert,
			Payload: bus.MustPayload(alert),
		})
		if err != nil {
			w.logger.Warn("publish watchdog.alert failed", "alert_id", alert.ID, "error", err)
		}
	}
	return alert, nil
}

func (w *Watchdog) postWebhook(ctx context.Context, alert persistence.WatchdogAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	ctx, span := otel.StartClientSpan(ctx, w.tracer, "watchdog.webhook",
		attribute.String("watchdog.alert_id", alert.ID),
		attribute.String("watchdog.severity", alert.Severity),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
