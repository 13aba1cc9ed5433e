package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryFacility struct {
	holders map[string]time.Time
	// changed is closed and replaced whenever a slot frees.
	changed chan struct{}
}

// MemoryGate is a single-process Gate. It keeps the same lease semantics as
// the Redis gate and backs tests and single-replica deployments.
type MemoryGate struct {
	mu         sync.Mutex
	facilities map[string]*memoryFacility
	closed     bool
	done       chan struct{}
	now        func() time.Time
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		facilities: make(map[string]*memoryFacility),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (g *MemoryGate) facility(id string) *memoryFacility {
	f, ok := g.facilities[id]
	if !ok {
		f = &memoryFacility{holders: make(map[string]time.Time), changed: make(chan struct{})}
		g.facilities[id] = f
	}
	return f
}

// reclaim drops expired holders and returns the earliest remaining expiry.
func (f *memoryFacility) reclaim(now time.Time) time.Time {
	var next time.Time
	freed := false
	for id, exp := range f.holders {
		if !exp.After(now) {
			delete(f.holders, id)
			freed = true
			continue
		}
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	if freed {
		f.notify()
	}
	return next
}

func (f *memoryFacility) notify() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (g *MemoryGate) Acquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error) {
	maxConcurrent, lease = normalize(maxConcurrent, lease)

	for {
		l, wait, next, now, err := g.attempt(facilityID, maxConcurrent, lease)
		if l != nil || err != nil {
			return l, err
		}
		if err := g.wait(ctx, wait, next, now); err != nil {
			return nil, err
		}
	}
}

func (g *MemoryGate) TryAcquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxConcurrent, lease = normalize(maxConcurrent, lease)
	l, _, _, _, err := g.attempt(facilityID, maxConcurrent, lease)
	if l == nil && err == nil {
		return nil, ErrBusy
	}
	return l, err
}

// attempt takes a slot if one is free. Otherwise it returns the channel that
// signals a release and the earliest expiry to wait for.
func (g *MemoryGate) attempt(facilityID string, maxConcurrent int, lease time.Duration) (*Lease, <-chan struct{}, time.Time, time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, time.Time{}, time.Time{}, ErrGateClosed
	}
	f := g.facility(facilityID)
	now := g.now()
	next := f.reclaim(now)
	if len(f.holders) >= maxConcurrent {
		return nil, f.changed, next, now, nil
	}
	id := uuid.NewString()
	f.holders[id] = now.Add(lease)
	l := newLease(id, facilityID, now, lease,
		func(context.Context) error {
			g.release(facilityID, id)
			return nil
		},
		func(_ context.Context, d time.Duration) error {
			return g.extend(facilityID, id, d)
		})
	return l, nil, time.Time{}, now, nil
}

// wait blocks until a slot frees, the earliest lease expires, or ctx ends.
func (g *MemoryGate) wait(ctx context.Context, changed <-chan struct{}, next, now time.Time) error {
	var timer <-chan time.Time
	if !next.IsZero() {
		t := time.NewTimer(next.Sub(now))
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrGateClosed
	case <-changed:
	case <-timer:
	}
	return nil
}

func (g *MemoryGate) release(facilityID, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.facilities[facilityID]
	if !ok {
		return
	}
	if _, held := f.holders[id]; held {
		delete(f.holders, id)
		f.notify()
	}
}

func (g *MemoryGate) extend(facilityID, id string, d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.facilities[facilityID]
	if !ok {
		return ErrLeaseLost
	}
	now := g.now()
	exp, held := f.holders[id]
	if !held || !exp.After(now) {
		return ErrLeaseLost
	}
	f.holders[id] = now.Add(d)
	return nil
}

// Held reports the live leases of a facility.
func (g *MemoryGate) Held(facilityID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.facilities[facilityID]
	if !ok {
		return 0
	}
	f.reclaim(g.now())
	return len(f.holders)
}

func (g *MemoryGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
	return nil
}
