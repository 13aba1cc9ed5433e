// Package admission implements the per-facility admission gate: a counting
// semaphore shared by every process that talks to the same facility's
// upstream server. Leases carry an expiry so a crashed holder cannot keep a
// slot forever.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrGateClosed is returned by Acquire after Close.
var ErrGateClosed = errors.New("admission: gate closed")

// ErrBusy is returned by TryAcquire when every slot is taken.
var ErrBusy = errors.New("admission: no free slot")

// ErrLeaseLost is returned when a lease is extended after it expired or was
// released.
var ErrLeaseLost = errors.New("admission: lease lost")

const (
	DefaultLease = 30 * time.Second
	DefaultPoll  = 100 * time.Millisecond
)

// Gate hands out at most maxConcurrent live leases per facility. Acquire
// blocks until a slot frees, a lease expires, or ctx is done; in the last case
// it returns ctx.Err().
//
// TryAcquire makes one attempt and returns ErrBusy instead of waiting.
type Gate interface {
	Acquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error)
	TryAcquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error)
	Close() error
}

// Lease is one held slot. Release is idempotent and releasing an expired
// lease is a no-op. ExpiresAt is the expiry at acquisition; KeepAlive moves
// the stored expiry forward while the holder runs.
type Lease struct {
	ID         string
	FacilityID string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	duration time.Duration
	once     sync.Once
	keep     sync.Once
	stop     chan struct{}
	release  func(ctx context.Context) error
	extend   func(ctx context.Context, d time.Duration) error
	err      error
}

func newLease(id, facilityID string, acquired time.Time, d time.Duration,
	release func(context.Context) error, extend func(context.Context, time.Duration) error) *Lease {
	return &Lease{
		ID:         id,
		FacilityID: facilityID,
		AcquiredAt: acquired,
		ExpiresAt:  acquired.Add(d),
		duration:   d,
		stop:       make(chan struct{}),
		release:    release,
		extend:     extend,
	}
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		close(l.stop)
		if l.release != nil {
			l.err = l.release(ctx)
		}
	})
	return l.err
}

// KeepAlive extends the lease by its full duration every third of it until
// Release, ctx is done, or the lease is lost. Calling it again is a no-op.
func (l *Lease) KeepAlive(ctx context.Context) {
	if l == nil || l.extend == nil || l.duration <= 0 {
		return
	}
	l.keep.Do(func() { go l.renew(ctx) })
}

func (l *Lease) renew(ctx context.Context) {
	t := time.NewTicker(l.duration / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-t.C:
			if err := l.extend(ctx, l.duration); errors.Is(err, ErrLeaseLost) {
				return
			}
		}
	}
}

func normalize(maxConcurrent int, lease time.Duration) (int, time.Duration) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return maxConcurrent, lease
}
