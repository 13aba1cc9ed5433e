package acquisition

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a work item does not exist.
var ErrNotFound = errors.New("acquisition log not found")

// ErrTerminal is returned when an update targets an item that already reached
// a terminal status in the store.
var ErrTerminal = errors.New("acquisition log is terminal")

// ClaimFunc publishes the completion signal of a claimed group. The group is
// flagged only when it returns nil.
type ClaimFunc func(ctx context.Context, g TailGroup) error

type Repository interface {
	Create(ctx context.Context, w *WorkItem) error
	Get(ctx context.Context, id int64) (*WorkItem, error)
	// GetForUpdate locks the row for the caller's transaction.
	GetForUpdate(ctx context.Context, id int64) (*WorkItem, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*WorkItem, int, error)
	Update(ctx context.Context, w *WorkItem) error

	PendingFacilities(ctx context.Context) ([]string, error)
	// NextEligibleBatch returns Pending items of facility with id > afterID in
	// id order, skipping rows locked by other instances.
	NextEligibleBatch(ctx context.Context, facilityID string, afterID int64, limit int) ([]*WorkItem, error)

	// TailingGroups lists groups whose members are all terminal and not all
	// flagged.
	TailingGroups(ctx context.Context, limit int) ([]GroupKey, error)
	// ClaimTailGroup locks the group, re-checks it, and calls fn with the
	// aggregated unflagged members. It returns false when the group no longer
	// qualifies.
	ClaimTailGroup(ctx context.Context, key GroupKey, fn ClaimFunc) (bool, error)
}
