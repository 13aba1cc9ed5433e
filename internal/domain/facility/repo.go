package facility

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a facility has no acquisition config.
var ErrNotFound = errors.New("facility acquisition config not found")

// ErrExists is returned when creating a config for a facility that has one.
var ErrExists = errors.New("facility acquisition config already exists")

type Repository interface {
	Create(ctx context.Context, c *AcquisitionConfig) error
	Get(ctx context.Context, facilityID string) (*AcquisitionConfig, error)
	Update(ctx context.Context, c *AcquisitionConfig) error
	Delete(ctx context.Context, facilityID string) error
	List(ctx context.Context, limit, offset int) ([]*AcquisitionConfig, int, error)
}
