package admission

import (
	"context"
	"time"

	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// Tracked wraps a Gate so live leases appear in a Registry and wait times are
// recorded.
type Tracked struct {
	gate     Gate
	registry *Registry
	metrics  *telemetry.Metrics
}

func NewTracked(g Gate, reg *Registry, m *telemetry.Metrics) *Tracked {
	return &Tracked{gate: g, registry: reg, metrics: m}
}

func (t *Tracked) Acquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error) {
	start := time.Now()
	l, err := t.gate.Acquire(ctx, facilityID, maxConcurrent, lease)
	t.metrics.GateWaited(ctx, facilityID, time.Since(start))
	if err != nil {
		t.metrics.GateReject(ctx, facilityID)
		return nil, err
	}
	return t.track(l), nil
}

// TryAcquire does not record wait time; a busy reply is not a rejection.
func (t *Tracked) TryAcquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error) {
	l, err := t.gate.TryAcquire(ctx, facilityID, maxConcurrent, lease)
	if err != nil {
		return nil, err
	}
	return t.track(l), nil
}

func (t *Tracked) track(l *Lease) *Lease {
	t.registry.Register(LeaseInfo{ID: l.ID, FacilityID: l.FacilityID, AcquiredAt: l.AcquiredAt, ExpiresAt: l.ExpiresAt})
	inner := l.release
	l.release = func(ctx context.Context) error {
		t.registry.Deregister(l.FacilityID, l.ID)
		if inner == nil {
			return nil
		}
		return inner(ctx)
	}
	return l
}

func (t *Tracked) Registry() *Registry { return t.registry }

func (t *Tracked) Close() error { return t.gate.Close() }
