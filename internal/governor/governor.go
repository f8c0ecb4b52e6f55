// Package governor implements admission control: per-conduit call windows,
// named cost budgets and the compute governor layered on both.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/BrandonDucar/dream-net-sub003/internal/audit"
	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

// Denial reasons. Every denied Decision carries exactly one of these.
const (
	ReasonConduitRateLimit        = "CONDUIT_RATE_LIMIT"
	ReasonConduitUnavailable      = "CONDUIT_UNAVAILABLE"
	ReasonBudgetExceeded          = "BUDGET_EXCEEDED"
	ReasonKeepaliveBudgetExceeded = "KEEPALIVE_BUDGET_EXCEEDED"
)

// Decision is the outcome of an admission check. Build one with Allowed or
// Denied; a denial always has a machine-readable Reason.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	ConduitID string   `json:"conduitId,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
	Estimated float64  `json:"estimatedCost,omitempty"`
}

// Allowed returns an admitting decision.
func Allowed() Decision {
	return Decision{Allowed: true}
}

// Denied returns a rejecting decision.
func Denied(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Publisher is the part of the bus governors announce denials on.
type Publisher interface {
	PublishInternal(ctx context.Context, ev bus.Event) (bus.Event, error)
}

// Auditor records admission decisions.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// deniedPayload is the body of a governor.denied event.
type deniedPayload struct {
	Subject string `json:"subject"`
	Action  string `json:"action"`
	Decision
}

// notifier fans a decision out to the bus, the audit trail and the logs.
type notifier struct {
	bus    Publisher
	audit  Auditor
	logger *slog.Logger
}

func (n notifier) record(ctx context.Context, subject, action string, d Decision) {
	if n.audit == nil {
		return
	}
	e := audit.Entry{Subject: subject, Action: action, Decision: audit.DecisionAllow}
	if !d.Allowed {
		e.Decision = audit.DecisionDeny
		e.Reason = d.Reason
		if d.Detail != "" {
			e.Reason += ": " + d.Detail
		}
	}
	n.audit.Record(ctx, e)
}

func (n notifier) denied(ctx context.Context, source bus.Source, subject, action string, d Decision) {
	n.logger.Info("admission denied", "subject", subject, "action", action, "reason", d.Reason, "detail", d.Detail)
	n.record(ctx, subject, action, d)
	if n.bus == nil {
		return
	}
	_, err := n.bus.PublishInternal(ctx, bus.Event{
		Topic:   bus.TopicGovernor,
		Source:  source,
		Type:    bus.TypeGovernorDenied,
		Payload: bus.MustPayload(deniedPayload{Subject: subject, Action: action, Decision: d}),
	})
	if err != nil {
		n.logger.Warn("publish denial failed", "subject", subject, "error", err)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %q", bus.ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", bus.ErrValidation, err)
}
