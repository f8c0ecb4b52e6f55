package governor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
)

// DefaultComputeProvider is the budget provider compute spend is charged to.
const DefaultComputeProvider = "cloudrun"

// Request describes a compute operation awaiting admission.
type Request struct {
	Kind            OperationKind `json:"kind" validate:"required,oneof=deploy build scale job"`
	PortID          string        `json:"portId,omitempty"`
	ClusterID       string        `json:"clusterId,omitempty"`
	ToolID          string        `json:"toolId,omitempty"`
	Service         string        `json:"service,omitempty" validate:"max=256"`
	Instances       int           `json:"instances,omitempty" validate:"gte=0"`
	MinInstances    int           `json:"minInstances,omitempty" validate:"gte=0"`
	DurationSeconds float64       `json:"durationSeconds,omitempty" validate:"gte=0"`
	VCPU            float64       `json:"vcpu,omitempty" validate:"gte=0"`
}

// ComputeOptions configures a ComputeGovernor.
type ComputeOptions struct {
	Provider string
	Conduits *ConduitGovernor
	Budgets  *BudgetLedger
	// Costs defaults to DefaultCostModel when nil. Zero prices are kept.
	Costs   *CostModel
	Bus     Publisher
	Audit   Auditor
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// ComputeGovernor admits compute operations against a conduit, the
// provider's cost budget and its daily keep-alive budget, in that order.
type ComputeGovernor struct {
	provider string
	conduits *ConduitGovernor
	budgets  *BudgetLedger
	costs    CostModel
	validate *validator.Validate
	notify   notifier
	logger   *slog.Logger
	metrics  *otel.Metrics
}

// NewComputeGovernor creates a ComputeGovernor. A nil Conduits or Budgets
// gets an empty one, which admits everything.
func NewComputeGovernor(opts ComputeOptions) *ComputeGovernor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "compute_governor")
	provider := opts.Provider
	if provider == "" {
		provider = DefaultComputeProvider
	}
	conduits := opts.Conduits
	if conduits == nil {
		conduits, _ = NewConduitGovernor(ConduitOptions{Logger: logger})
	}
	budgets := opts.Budgets
	if budgets == nil {
		budgets = NewBudgetLedger(nil, nil)
	}
	costs := DefaultCostModel
	if opts.Costs != nil {
		costs = *opts.Costs
	}
	return &ComputeGovernor{
		provider: provider,
		conduits: conduits,
		budgets:  budgets,
		costs:    costs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		notify:   notifier{bus: opts.Bus, audit: opts.Audit, logger: logger},
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Provider returns the budget provider spend is charged to.
func (g *ComputeGovernor) Provider() string { return g.provider }

// Budgets returns the underlying ledger.
func (g *ComputeGovernor) Budgets() *BudgetLedger { return g.budgets }

func (g *ComputeGovernor) subject(req Request) string {
	if req.Service != "" {
		return "compute:" + g.provider + ":" + req.Service
	}
	return "compute:" + g.provider
}

// Evaluate decides whether req may run. Only a malformed request returns an
// error; every admission outcome is a Decision. Nothing is charged here:
// call RecordUsage once the operation has actually run.
func (g *ComputeGovernor) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if err := g.validate.Struct(req); err != nil {
		return Decision{}, validationError(err)
	}
	estimated, err := g.costs.Estimate(req)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", bus.ErrValidation, err)
	}
	action := "compute." + string(req.Kind)

	if cd := g.conduits.EvaluateConduit(ctx, req.PortID, req.ClusterID, req.ToolID); !cd.Allowed {
		// The conduit governor has already announced this denial.
		return cd, nil
	}

	ok, remaining, _ := g.budgets.Check(g.provider, estimated)
	if !ok {
		d := Denied(ReasonBudgetExceeded,
			fmt.Sprintf("estimated $%.4f exceeds remaining $%.4f on %s", estimated, remaining, g.provider))
		d.Remaining = &remaining
		d.Estimated = estimated
		g.deny(ctx, req, action, g.provider, d)
		return d, nil
	}

	if req.MinInstances > 0 {
		keepalive := KeepaliveProvider(g.provider)
		daily := g.costs.KeepaliveDailyCost(req.MinInstances)
		ok, kaRemaining, _ := g.budgets.Check(keepalive, daily)
		if !ok {
			d := Denied(ReasonKeepaliveBudgetExceeded,
				fmt.Sprintf("%d warm instances cost $%.4f/day, remaining $%.4f on %s", req.MinInstances, daily, kaRemaining, keepalive))
			d.Remaining = &kaRemaining
			d.Estimated = daily
			g.deny(ctx, req, action, keepalive, d)
			return d, nil
		}
	}

	d := Allowed()
	d.Estimated = estimated
	g.notify.record(ctx, g.subject(req), action, d)
	return d, nil
}

func (g *ComputeGovernor) deny(ctx context.Context, req Request, action, provider string, d Decision) {
	g.metrics.RecordBudgetDenial(ctx, provider, d.Reason)
	g.notify.denied(ctx, bus.SourceComputeGovernor, g.subject(req), action, d)
}

// RecordUsage charges actual dollars to the provider budget and, for
// operations keeping instances warm, one day of keep-alive cost to the
// keep-alive budget.
func (g *ComputeGovernor) RecordUsage(ctx context.Context, req Request, actual float64) error {
	if err := g.validate.Struct(req); err != nil {
		return validationError(err)
	}
	if actual < 0 {
		return fmt.Errorf("%w: actual cost must not be negative", bus.ErrValidation)
	}
	g.budgets.Record(g.provider, actual)
	if req.MinInstances > 0 {
		g.budgets.Record(KeepaliveProvider(g.provider), g.costs.KeepaliveDailyCost(req.MinInstances))
	}
	g.logger.Debug("compute usage recorded", "kind", req.Kind, "actual", actual, "min_instances", req.MinInstances)
	return nil
}
