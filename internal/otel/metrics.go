package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the fabric's metric instruments. All record helpers are
// safe on a nil receiver so components can run without telemetry.
type Metrics struct {
	EventsPublished  metric.Int64Counter
	EventsDuplicate  metric.Int64Counter
	EventsRejected   metric.Int64Counter
	DeliveryDrops    metric.Int64Counter
	Subscribers      metric.Int64UpDownCounter
	JobRuns          metric.Int64Counter
	JobDuration      metric.Float64Histogram
	VectorsLogged    metric.Int64Counter
	RollupsCompleted metric.Int64Counter
	WatchdogAlerts   metric.Int64Counter
	ConduitDenials   metric.Int64Counter
	BudgetDenials    metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EventsPublished, err = meter.Int64Counter("starbridge.events.published",
		metric.WithDescription("Events accepted and persisted by the bus"),
	); err != nil {
		return nil, err
	}
	if m.EventsDuplicate, err = meter.Int64Counter("starbridge.events.duplicate",
		metric.WithDescription("Publishes ignored because the event id already existed"),
	); err != nil {
		return nil, err
	}
	if m.EventsRejected, err = meter.Int64Counter("starbridge.events.rejected",
		metric.WithDescription("External events rejected by validation or signature checks"),
	); err != nil {
		return nil, err
	}
	if m.DeliveryDrops, err = meter.Int64Counter("starbridge.delivery.drops",
		metric.WithDescription("Events dropped because a stream subscriber was full"),
	); err != nil {
		return nil, err
	}
	if m.Subscribers, err = meter.Int64UpDownCounter("starbridge.subscribers",
		metric.WithDescription("Currently registered bus subscribers"),
	); err != nil {
		return nil, err
	}
	if m.JobRuns, err = meter.Int64Counter("starbridge.rail.runs",
		metric.WithDescription("Scheduled job executions"),
	); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("starbridge.rail.duration",
		metric.WithDescription("Scheduled job duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.VectorsLogged, err = meter.Int64Counter("starbridge.ledger.logged",
		metric.WithDescription("Vector events recorded in the ledger"),
	); err != nil {
		return nil, err
	}
	if m.RollupsCompleted, err = meter.Int64Counter("starbridge.ledger.rollups",
		metric.WithDescription("Daily Merkle rollups completed"),
	); err != nil {
		return nil, err
	}
	if m.WatchdogAlerts, err = meter.Int64Counter("starbridge.watchdog.alerts",
		metric.WithDescription("Integrity alerts raised"),
	); err != nil {
		return nil, err
	}
	if m.ConduitDenials, err = meter.Int64Counter("starbridge.conduit.denials",
		metric.WithDescription("Conduit calls denied by the rate limit"),
	); err != nil {
		return nil, err
	}
	if m.BudgetDenials, err = meter.Int64Counter("starbridge.budget.denials",
		metric.WithDescription("Operations denied by a budget"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("starbridge.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("starbridge.ratelimit.rejects",
		metric.WithDescription("Gateway requests rejected by the per-client rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordPublished(ctx context.Context, topic, eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic), AttrEventType.String(eventType)))
}

func (m *Metrics) RecordDuplicate(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.EventsDuplicate.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic)))
}

func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordDrop(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.DeliveryDrops.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic)))
}

func (m *Metrics) AddSubscribers(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.Subscribers.Add(ctx, delta)
}

// RecordJobRun records a single job execution and its outcome.
func (m *Metrics) RecordJobRun(ctx context.Context, jobID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(AttrJobID.String(jobID), attribute.String("status", status))
	m.JobRuns.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordVectorLogged(ctx context.Context, algo string) {
	if m == nil {
		return
	}
	m.VectorsLogged.Add(ctx, 1, metric.WithAttributes(AttrHashAlgo.String(algo)))
}

func (m *Metrics) RecordRollup(ctx context.Context, batchDate string) {
	if m == nil {
		return
	}
	m.RollupsCompleted.Add(ctx, 1, metric.WithAttributes(AttrBatchDate.String(batchDate)))
}

func (m *Metrics) RecordWatchdogAlert(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.WatchdogAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (m *Metrics) RecordConduitDenial(ctx context.Context, conduitID string) {
	if m == nil {
		return
	}
	m.ConduitDenials.Add(ctx, 1, metric.WithAttributes(AttrConduitID.String(conduitID)))
}

func (m *Metrics) RecordBudgetDenial(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	m.BudgetDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
