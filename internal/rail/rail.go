// Package rail is the Magnetic Rail scheduler: named cron jobs whose
// lifecycle is reported on the bus and whose pause/resume state can be driven
// by bus events.
package rail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("unknown job")
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @daily or @every 15m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Publisher is the part of the bus the rail depends on.
type Publisher interface {
	PublishInternal(ctx context.Context, ev bus.Event) (bus.Event, error)
	Subscribe(topics []bus.Topic, handler bus.Handler) func()
}

// Job is a named unit of scheduled work.
type Job struct {
	ID          string
	Name        string
	CronExpr    string
	Handler     func(ctx context.Context) error
	StartPaused bool
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cronExpression"`
	Active    bool       `json:"active"`
	RunCount  int64      `json:"runCount"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

type jobState struct {
	job       Job
	active    bool
	entryID   cronlib.EntryID
	runCount  int64
	lastRunAt time.Time
	lastError string
}

// Config holds the dependencies for the rail.
type Config struct {
	Bus     Publisher
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// Location for cron evaluation. Defaults to UTC.
	Location *time.Location
}

// Rail schedules jobs on a robfig cron engine.
type Rail struct {
	bus     Publisher
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	loc     *time.Location
	engine  *cronlib.Cron

	mu      sync.Mutex
	jobs    map[string]*jobState
	baseCtx context.Context
	cancel  context.CancelFunc
	unsub   func()
}

// New creates a Rail. Jobs may be registered before or after Start.
func New(cfg Config) *Rail {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "magnetic_rail")
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	return &Rail{
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  otel.TracerOrNoop(cfg.Tracer),
		loc:     loc,
		engine: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cl)),
		),
		jobs:    make(map[string]*jobState),
		baseCtx: context.Background(),
	}
}

// Register adds a job. Duplicate ids and unparseable expressions are errors.
func (r *Rail) Register(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Handler == nil {
		return fmt.Errorf("job %s: handler is required", job.ID)
	}
	if _, err := cronParser.Parse(job.CronExpr); err != nil {
		return fmt.Errorf("job %s: parse cron %q: %w", job.ID, job.CronExpr, err)
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	id := job.ID
	entryID, err := r.engine.AddFunc(job.CronExpr, func() {
		r.mu.Lock()
		ctx := r.baseCtx
		r.mu.Unlock()
		_ = r.RunJob(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("job %s: schedule: %w", job.ID, err)
	}
	r.jobs[job.ID] = &jobState{job: job, active: !job.StartPaused, entryID: entryID}
	r.logger.Info("job registered", "job_id", job.ID, "cron_expr", job.CronExpr, "active", !job.StartPaused)
	return nil
}

// SetActive flips a job between active and paused. A running execution is
// not interrupted; the change applies from the next tick.
func (r *Rail) SetActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	st, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	changed := st.active != active
	st.active = active
	r.mu.Unlock()
	if changed {
		r.logger.Info("job state changed", "job_id", id, "active", active)
	}
	return nil
}

// RunJob executes one tick of the job. A paused job is skipped and nil is
// returned. The handler's error is returned after it has been reported on
// the bus; the job stays scheduled either way.
func (r *Rail) RunJob(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !st.active {
		r.mu.Unlock()
		return nil
	}
	job := st.job
	r.mu.Unlock()

	ctx, span := otel.StartSpan(ctx, r.tracer, "rail.job", otel.AttrJobID.String(job.ID))
	defer span.End()

	r.publish(ctx, bus.TypeRailJobStart, map[string]any{"jobId": job.ID, "name": job.Name})
	start := time.Now()
	err := r.invoke(ctx, job)
	elapsed := time.Since(start)

	r.mu.Lock()
	st.runCount++
	st.lastRunAt = start.UTC()
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}
	r.mu.Unlock()
	r.metrics.RecordJobRun(ctx, job.ID, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("job failed", "job_id", job.ID, "duration_ms", elapsed.Milliseconds(), "error", err)
		r.publish(ctx, bus.TypeRailJobError, map[string]any{
			"jobId": job.ID, "error": err.Error(), "durationMs": elapsed.Milliseconds(),
		})
		return err
	}
	r.logger.Info("job completed", "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
	r.publish(ctx, bus.TypeRailJobComplete, map[string]any{
		"jobId": job.ID, "durationMs": elapsed.Milliseconds(),
	})
	return nil
}

func (r *Rail) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return job.Handler(ctx)
}

func (r *Rail) publish(ctx context.Context, eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	_, err := r.bus.PublishInternal(ctx, bus.Event{
		Topic:   bus.TopicSystem,
		Source:  bus.SourceMagneticRail,
		Type:    eventType,
		Payload: bus.MustPayload(payload),
	})
	if err != nil {
		r.logger.Warn("publish lifecycle event failed", "type", eventType, "error", err)
	}
}

type controlPayload struct {
	JobID string `json:"jobId"`
}

// handleControl applies rail.job.activate and rail.job.pause events.
func (r *Rail) handleControl(ctx context.Context, ev bus.Event) error {
	var active bool
	switch ev.Type {
	case bus.TypeRailJobActivate:
		active = true
	case bus.TypeRailJobPause:
		active = false
	default:
		return nil
	}
	var p controlPayload
	if err := ev.DecodePayload(&p); err != nil || p.JobID == "" {
		r.logger.Warn("control event without jobId", "event_id", ev.ID, "type", ev.Type)
		return nil
	}
	if err := r.SetActive(ctx, p.JobID, active); err != nil {
		r.logger.Warn("control event for unknown job", "event_id", ev.ID, "job_id", p.JobID)
	}
	return nil
}

// Start subscribes to control events and starts the cron engine.
func (r *Rail) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	if r.bus != nil && r.unsub == nil {
		r.unsub = r.bus.Subscribe([]bus.Topic{bus.TopicSystem}, r.handleControl)
	}
	r.mu.Unlock()
	r.engine.Start()
	r.logger.Info("magnetic rail started", "jobs", len(r.Jobs()))
}

// AttachControl subscribes to control events without starting the engine.
// Used by one-shot commands that run jobs directly.
func (r *Rail) AttachControl() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bus != nil && r.unsub == nil {
		r.unsub = r.bus.Subscribe([]bus.Topic{bus.TopicSystem}, r.handleControl)
	}
}

// Stop halts scheduling and waits for running jobs to finish or ctx to end.
func (r *Rail) Stop(ctx context.Context) error {
	done := r.engine.Stop()
	r.mu.Lock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	cancel := r.cancel
	r.mu.Unlock()

	var err error
	select {
	case <-done.Done():
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	r.logger.Info("magnetic rail stopped")
	return err
}

// Jobs returns a snapshot of all jobs sorted by id.
func (r *Rail) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, st := range r.jobs {
		info := JobInfo{
			ID:        st.job.ID,
			Name:      st.job.Name,
			CronExpr:  st.job.CronExpr,
			Active:    st.active,
			RunCount:  st.runCount,
			LastError: st.lastError,
		}
		if !st.lastRunAt.IsZero() {
			t := st.lastRunAt
			info.LastRunAt = &t
		}
		next := r.engine.Entry(st.entryID).Next
		if next.IsZero() {
			// The engine fills Next only once started.
			next, _ = NextRunTime(st.job.CronExpr, time.Now().In(r.loc))
		}
		if !next.IsZero() {
			info.NextRunAt = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
