package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
)

// DefaultWindow is the fixed conduit rate-limit window.
const DefaultWindow = 60 * time.Second

// ConduitConfig binds a (port, cluster, tool) triple to a per-minute call
// budget.
type ConduitConfig struct {
	ID                string `yaml:"id" json:"id" validate:"required,max=128"`
	PortID            string `yaml:"port_id" json:"portId" validate:"required"`
	ClusterID         string `yaml:"cluster_id" json:"clusterId" validate:"required"`
	ToolID            string `yaml:"tool_id" json:"toolId" validate:"required"`
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute" json:"maxCallsPerMinute" validate:"gte=0"`
}

func tripleKey(portID, clusterID, toolID string) string {
	return portID + "\x00" + clusterID + "\x00" + toolID
}

// ConduitOptions configures a ConduitGovernor.
type ConduitOptions struct {
	Conduits []ConduitConfig
	// Store defaults to a MemoryUsageStore.
	Store   UsageStore
	Bus     Publisher
	Audit   Auditor
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Window  time.Duration
	Now     func() time.Time
}

// ConduitGovernor rate-limits calls per conduit over a fixed window.
type ConduitGovernor struct {
	mu       sync.RWMutex
	byTriple map[string]ConduitConfig
	byID     map[string]ConduitConfig

	store    UsageStore
	window   time.Duration
	now      func() time.Time
	validate *validator.Validate
	notify   notifier
	logger   *slog.Logger
	metrics  *otel.Metrics
}

// NewConduitGovernor validates the configured conduits and returns a
// governor over them.
func NewConduitGovernor(opts ConduitOptions) (*ConduitGovernor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conduit_governor")
	store := opts.Store
	if store == nil {
		store = NewMemoryUsageStore()
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	g := &ConduitGovernor{
		store:    store,
		window:   window,
		now:      now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		notify:   notifier{bus: opts.Bus, audit: opts.Audit, logger: logger},
		logger:   logger,
		metrics:  opts.Metrics,
	}
	if err := g.ReplaceConduits(opts.Conduits); err != nil {
		return nil, err
	}
	return g, nil
}

// ReplaceConduits swaps the active conduit table. Counters are keyed by
// conduit id, so a conduit that keeps its id keeps its usage. On error the
// previous table stays in place.
func (g *ConduitGovernor) ReplaceConduits(conduits []ConduitConfig) error {
	byTriple := make(map[string]ConduitConfig, len(conduits))
	byID := make(map[string]ConduitConfig, len(conduits))
	for i, c := range conduits {
		if err := g.validate.Struct(c); err != nil {
			return fmt.Errorf("conduit %d: %w", i, validationError(err))
		}
		if _, dup := byID[c.ID]; dup {
			return fmt.Errorf("%w: duplicate conduit id %q", bus.ErrValidation, c.ID)
		}
		key := tripleKey(c.PortID, c.ClusterID, c.ToolID)
		if prev, dup := byTriple[key]; dup {
			return fmt.Errorf("%w: conduits %q and %q share port/cluster/tool", bus.ErrValidation, prev.ID, c.ID)
		}
		byID[c.ID] = c
		byTriple[key] = c
	}

	g.mu.Lock()
	g.byTriple = byTriple
	g.byID = byID
	g.mu.Unlock()
	g.logger.Info("conduits loaded", "count", len(conduits))
	return nil
}

// Conduits returns the active configuration sorted by id.
func (g *ConduitGovernor) Conduits() []ConduitConfig {
	g.mu.RLock()
	out := make([]ConduitConfig, 0, len(g.byID))
	for _, c := range g.byID {
		out = append(out, c)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b ConduitConfig) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Lookup resolves a triple to its conduit.
func (g *ConduitGovernor) Lookup(portID, clusterID, toolID string) (ConduitConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.byTriple[tripleKey(portID, clusterID, toolID)]
	return c, ok
}

// EvaluateConduit counts one call against the conduit configured for the
// triple. An unconfigured triple is admitted. If the usage store fails the
// call is denied with CONDUIT_UNAVAILABLE.
func (g *ConduitGovernor) EvaluateConduit(ctx context.Context, portID, clusterID, toolID string) Decision {
	c, ok := g.Lookup(portID, clusterID, toolID)
	if !ok {
		return Allowed()
	}

	u, err := g.store.Hit(ctx, c.ID, g.now().UTC(), g.window)
	if err != nil {
		g.logger.Error("conduit usage store failed", "conduit_id", c.ID, "error", err)
		d := Denied(ReasonConduitUnavailable, "usage store unavailable")
		d.ConduitID = c.ID
		g.deny(ctx, c, d)
		return d
	}

	if u.Count > int64(c.MaxCallsPerMinute) {
		d := Denied(ReasonConduitRateLimit,
			fmt.Sprintf("%d calls in current window, limit %d per minute", u.Count, c.MaxCallsPerMinute))
		d.ConduitID = c.ID
		g.deny(ctx, c, d)
		return d
	}

	d := Allowed()
	d.ConduitID = c.ID
	return d
}

func (g *ConduitGovernor) deny(ctx context.Context, c ConduitConfig, d Decision) {
	g.metrics.RecordConduitDenial(ctx, c.ID)
	g.notify.denied(ctx, bus.SourceConduit, "conduit:"+c.ID, "conduit.evaluate", d)
}

// ErrUnknownConduit is returned for reports against an id that is not
// configured.
var ErrUnknownConduit = errors.New("unknown conduit")

func (g *ConduitGovernor) checkReportable(conduitID string) error {
	if conduitID == "" {
		return fmt.Errorf("%w: conduit id is required", bus.ErrValidation)
	}
	g.mu.RLock()
	_, ok := g.byID[conduitID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConduit, conduitID)
	}
	return nil
}

// ReportFailure records a failed call for observability. It does not
// affect admission.
func (g *ConduitGovernor) ReportFailure(ctx context.Context, conduitID, reason string) error {
	if err := g.checkReportable(conduitID); err != nil {
		return err
	}
	return g.store.AddFailure(ctx, conduitID, reason)
}

// ReportTimeout records a timed-out call for observability.
func (g *ConduitGovernor) ReportTimeout(ctx context.Context, conduitID string) error {
	if err := g.checkReportable(conduitID); err != nil {
		return err
	}
	return g.store.AddTimeout(ctx, conduitID)
}

// Usage returns the counters of one conduit.
func (g *ConduitGovernor) Usage(ctx context.Context, conduitID string) (Usage, error) {
	if conduitID == "" {
		return Usage{}, fmt.Errorf("%w: conduit id is required", bus.ErrValidation)
	}
	return g.store.Get(ctx, conduitID)
}
