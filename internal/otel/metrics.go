package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Warden metrics instruments.
type Metrics struct {
	EventsNormalized metric.Int64Counter
	EventsDropped    metric.Int64Counter
	DispatchesTotal  metric.Int64Counter
	DispatchReplays  metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	ActiveJobs       metric.Int64UpDownCounter
	SignalsRaised    metric.Int64Counter
	SignalsAcked     metric.Int64Counter
	ProbeFailures    metric.Int64Counter
	ProbeDuration    metric.Float64Histogram
	ReconcileTicks   metric.Int64Counter
	SnapshotSaves    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsNormalized, err = meter.Int64Counter("warden.events.normalized",
		metric.WithDescription("Workspace events normalized into the closed kind set"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("warden.events.dropped",
		metric.WithDescription("Workspace events dropped as unrecognized"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesTotal, err = meter.Int64Counter("warden.dispatch.total",
		metric.WithDescription("Dispatch jobs executed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchReplays, err = meter.Int64Counter("warden.dispatch.replays",
		metric.WithDescription("Dispatches short-circuited by idempotency replay"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("warden.dispatch.duration",
		metric.WithDescription("Dispatch job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("warden.jobs.active",
		metric.WithDescription("Number of currently running dispatch jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsRaised, err = meter.Int64Counter("warden.signals.raised",
		metric.WithDescription("Supervision signals raised"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsAcked, err = meter.Int64Counter("warden.signals.acked",
		metric.WithDescription("Supervision signals acknowledged"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("warden.probe.failures",
		metric.WithDescription("Workspace health probe failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeDuration, err = meter.Float64Histogram("warden.probe.duration",
		metric.WithDescription("Workspace health probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileTicks, err = meter.Int64Counter("warden.reconcile.ticks",
		metric.WithDescription("Reconciliation loop ticks executed"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotSaves, err = meter.Int64Counter("warden.snapshot.saves",
		metric.WithDescription("Snapshot persistence operations"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
