package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.EventsNormalized == nil {
		t.Error("EventsNormalized is nil")
	}
	if m.EventsDropped == nil {
		t.Error("EventsDropped is nil")
	}
	if m.DispatchesTotal == nil {
		t.Error("DispatchesTotal is nil")
	}
	if m.DispatchReplays == nil {
		t.Error("DispatchReplays is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.ActiveJobs == nil {
		t.Error("ActiveJobs is nil")
	}
	if m.SignalsRaised == nil {
		t.Error("SignalsRaised is nil")
	}
	if m.SignalsAcked == nil {
		t.Error("SignalsAcked is nil")
	}
	if m.ProbeFailures == nil {
		t.Error("ProbeFailures is nil")
	}
	if m.ProbeDuration == nil {
		t.Error("ProbeDuration is nil")
	}
	if m.ReconcileTicks == nil {
		t.Error("ReconcileTicks is nil")
	}
	if m.SnapshotSaves == nil {
		t.Error("SnapshotSaves is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel hands back a noop meter; instruments still construct.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
