package queryplan

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no plan exists for a facility and plan type.
var ErrNotFound = errors.New("query plan not found")

type Repository interface {
	Create(ctx context.Context, p *QueryPlan) error
	Get(ctx context.Context, facilityID string, planType PlanType) (*QueryPlan, error)
	Update(ctx context.Context, p *QueryPlan) error
	ListByFacility(ctx context.Context, facilityID string) ([]*QueryPlan, error)
}
