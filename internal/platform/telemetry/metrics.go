package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the gate, executor and job.
type Metrics struct {
	GateWait        metric.Float64Histogram
	GateRejected    metric.Int64Counter
	FHIRRequests    metric.Int64Counter
	FHIRLatency     metric.Float64Histogram
	ItemsPromoted   metric.Int64Counter
	ItemsFailed     metric.Int64Counter
	TailsEmitted    metric.Int64Counter
	JobRunDuration  metric.Float64Histogram
	ResourcesStored metric.Int64Counter
}

// NewMetrics creates the instruments on m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	var (
		out Metrics
		err error
	)
	if out.GateWait, err = m.Float64Histogram("acquisition.gate.wait",
		metric.WithUnit("s"), metric.WithDescription("Time spent waiting for an admission slot")); err != nil {
		return nil, err
	}
	if out.GateRejected, err = m.Int64Counter("acquisition.gate.rejected",
		metric.WithDescription("Admission attempts that ended without a slot")); err != nil {
		return nil, err
	}
	if out.FHIRRequests, err = m.Int64Counter("acquisition.fhir.requests",
		metric.WithDescription("Upstream FHIR requests by operation and outcome")); err != nil {
		return nil, err
	}
	if out.FHIRLatency, err = m.Float64Histogram("acquisition.fhir.latency",
		metric.WithUnit("s"), metric.WithDescription("Upstream FHIR request latency")); err != nil {
		return nil, err
	}
	if out.ItemsPromoted, err = m.Int64Counter("acquisition.items.promoted",
		metric.WithDescription("Work items moved from Pending to Ready")); err != nil {
		return nil, err
	}
	if out.ItemsFailed, err = m.Int64Counter("acquisition.items.failed",
		metric.WithDescription("Work items moved to a failure state")); err != nil {
		return nil, err
	}
	if out.TailsEmitted, err = m.Int64Counter("acquisition.tails.emitted",
		metric.WithDescription("Completion signals published for finished groups")); err != nil {
		return nil, err
	}
	if out.JobRunDuration, err = m.Float64Histogram("acquisition.job.duration",
		metric.WithUnit("s"), metric.WithDescription("Duration of one scheduling job run")); err != nil {
		return nil, err
	}
	if out.ResourcesStored, err = m.Int64Counter("acquisition.resources.acquired",
		metric.WithDescription("Resources fetched from upstream and forwarded")); err != nil {
		return nil, err
	}
	return &out, nil
}

func facility(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("facility", id))
}

// The recording methods below accept a nil receiver so components run
// without telemetry in tests.

func (m *Metrics) GateWaited(ctx context.Context, facilityID string, d time.Duration) {
	if m != nil {
		m.GateWait.Record(ctx, d.Seconds(), facility(facilityID))
	}
}

func (m *Metrics) GateReject(ctx context.Context, facilityID string) {
	if m != nil {
		m.GateRejected.Add(ctx, 1, facility(facilityID))
	}
}

func (m *Metrics) FHIRRequest(ctx context.Context, facilityID, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("facility", facilityID),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.FHIRRequests.Add(ctx, 1, attrs)
	m.FHIRLatency.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Promoted(ctx context.Context, facilityID string, n int) {
	if m != nil && n > 0 {
		m.ItemsPromoted.Add(ctx, int64(n), facility(facilityID))
	}
}

func (m *Metrics) Failed(ctx context.Context, facilityID string, n int) {
	if m != nil && n > 0 {
		m.ItemsFailed.Add(ctx, int64(n), facility(facilityID))
	}
}

func (m *Metrics) TailEmitted(ctx context.Context, facilityID string) {
	if m != nil {
		m.TailsEmitted.Add(ctx, 1, facility(facilityID))
	}
}

func (m *Metrics) JobRan(ctx context.Context, d time.Duration) {
	if m != nil {
		m.JobRunDuration.Record(ctx, d.Seconds())
	}
}

func (m *Metrics) Acquired(ctx context.Context, facilityID string, n int) {
	if m != nil && n > 0 {
		m.ResourcesStored.Add(ctx, int64(n), facility(facilityID))
	}
}
