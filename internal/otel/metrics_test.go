package otel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.EventsPublished == nil || m.EventsDuplicate == nil || m.EventsRejected == nil {
		t.Error("event counters not created")
	}
	if m.JobRuns == nil || m.JobDuration == nil {
		t.Error("rail instruments not created")
	}
	if m.ConduitDenials == nil || m.BudgetDenials == nil {
		t.Error("governor counters not created")
	}
	if m.WatchdogAlerts == nil || m.RollupsCompleted == nil || m.VectorsLogged == nil {
		t.Error("integrity counters not created")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.RecordJobRun(context.Background(), "vector-rollup", time.Second, errors.New("boom"))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordPublished(ctx, "System", "x")
	m.RecordDuplicate(ctx, "System")
	m.RecordRejected(ctx, "signature")
	m.RecordDrop(ctx, "System")
	m.AddSubscribers(ctx, 1)
	m.RecordJobRun(ctx, "job", time.Millisecond, nil)
	m.RecordVectorLogged(ctx, "SHA-256")
	m.RecordRollup(ctx, "2026-01-01")
	m.RecordWatchdogAlert(ctx, "critical")
	m.RecordConduitDenial(ctx, "c")
	m.RecordBudgetDenial(ctx, "p", "BUDGET_EXCEEDED")
	m.RecordRequest(ctx, "/event", 200, time.Millisecond)
	m.RecordRateLimitReject(ctx)
}
