// Package gateway is the fabric's HTTP surface: signed ingress, event
// queries, live streams, ledger and governor endpoints, and health checks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDucar/dream-net-sub003/internal/audit"
	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/governor"
	"github.com/BrandonDucar/dream-net-sub003/internal/ledger"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
	"github.com/BrandonDucar/dream-net-sub003/internal/rail"
	"github.com/BrandonDucar/dream-net-sub003/internal/watchdog"
)

const maxBodyBytes = 1 << 20

// EventBus is the part of StarBridge the gateway serves.
type EventBus interface {
	PublishExternal(ctx context.Context, raw []byte, signature string) (bus.Event, error)
	FetchEvents(ctx context.Context, f bus.Filter) ([]bus.Event, error)
	Replay(ctx context.Context, f bus.Filter) ([]bus.Event, error)
	Stream(topics []bus.Topic, buffer int) *bus.Subscription
	Stats() bus.Stats
	SigningEnabled() bool
}

// Ledger is the Vector Ledger surface.
type Ledger interface {
	LogVectorEvent(ctx context.Context, req ledger.LogRequest) (persistence.VectorEvent, error)
	GetVectorHistory(ctx context.Context, objectType, objectID string, limit int) ([]persistence.VectorEvent, error)
	VerifyVectorEvent(ctx context.Context, req ledger.VerifyRequest) (ledger.VerifyResult, error)
	GetProof(ctx context.Context, id string) (ledger.Proof, error)
	RunVectorRollup(ctx context.Context, day time.Time) (persistence.MerkleRoot, error)
	GetRollup(ctx context.Context, batchDate string) (persistence.MerkleRoot, error)
}

// Conduits is the conduit governor surface.
type Conduits interface {
	EvaluateConduit(ctx context.Context, portID, clusterID, toolID string) governor.Decision
	ReportFailure(ctx context.Context, conduitID, reason string) error
	ReportTimeout(ctx context.Context, conduitID string) error
	Usage(ctx context.Context, conduitID string) (governor.Usage, error)
	Conduits() []governor.ConduitConfig
}

// Compute is the compute governor surface.
type Compute interface {
	Evaluate(ctx context.Context, req governor.Request) (governor.Decision, error)
	RecordUsage(ctx context.Context, req governor.Request, actual float64) error
	Budgets() *governor.BudgetLedger
}

// Scheduler is the Magnetic Rail surface.
type Scheduler interface {
	Jobs() []rail.JobInfo
	RunJob(ctx context.Context, id string) error
}

// Integrity is the watchdog surface.
type Integrity interface {
	RunSnapshot(ctx context.Context) (watchdog.Result, error)
}

// Store is what the ops endpoints read directly.
type Store interface {
	Ping(ctx context.Context) error
	TotalEventCount(ctx context.Context) (int64, error)
	ListAlerts(ctx context.Context, limit int) ([]persistence.WatchdogAlert, error)
}

type Config struct {
	Bus      EventBus
	Ledger   Ledger
	Conduits Conduits
	Compute  Compute
	Rail     Scheduler
	Watchdog Integrity
	Store    Store
	Audit    *audit.Recorder
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	// MetricsHandler serves /metrics. Nil answers 404.
	MetricsHandler http.Handler

	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	StreamBuffer int
	// Heartbeat is the SSE comment interval. Zero means 15s.
	Heartbeat time.Duration

	// ConfigFingerprint is exposed on /healthz.
	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := otel.TracerOrNoop(cfg.Tracer)
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		limiter: NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
		started: time.Now(),
	}
}

// Limiter exposes the rate limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /event", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /log", s.handleLog)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /proof", s.handleProof)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /rollup", s.handleRunRollup)
	mux.HandleFunc("GET /rollup", s.handleGetRollup)

	mux.HandleFunc("POST /conduit/evaluate", s.handleConduitEvaluate)
	mux.HandleFunc("POST /conduit/report", s.handleConduitReport)
	mux.HandleFunc("GET /conduit/usage", s.handleConduitUsage)
	mux.HandleFunc("POST /compute/evaluate", s.handleComputeEvaluate)
	mux.HandleFunc("POST /compute/usage", s.handleComputeUsage)
	mux.HandleFunc("GET /compute/budgets", s.handleBudgets)

	mux.HandleFunc("GET /rail/jobs", s.handleRailJobs)
	mux.HandleFunc("POST /rail/run", s.handleRailRun)
	mux.HandleFunc("POST /watchdog/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /watchdog/alerts", s.handleAlerts)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metricsHandler())

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = s.instrument(h)
	return h
}

func (s *Server) metricsHandler() http.Handler {
	if s.cfg.MetricsHandler != nil {
		return s.cfg.MetricsHandler
	}
	return http.NotFoundHandler()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bus.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bus.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, rail.ErrUnknownJob),
		errors.Is(err, governor.ErrUnknownConduit):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: what + " not configured"})
}

// decodeBody reads a JSON request body into v. Unknown fields are rejected.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", bus.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", bus.ErrValidation, err)
	}
	return nil
}
