package queryplan

import (
	"context"
	"errors"
	"fmt"
)

type Service struct {
	plans Repository
}

func NewService(plans Repository) *Service {
	return &Service{plans: plans}
}

func (s *Service) CreatePlan(ctx context.Context, p *QueryPlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := s.plans.Get(ctx, p.FacilityID, p.Type); err == nil {
		return fmt.Errorf("query plan %s already exists for facility %s", p.Type, p.FacilityID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.plans.Create(ctx, p)
}

func (s *Service) GetPlan(ctx context.Context, facilityID string, planType PlanType) (*QueryPlan, error) {
	return s.plans.Get(ctx, facilityID, planType)
}

func (s *Service) UpdatePlan(ctx context.Context, p *QueryPlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.plans.Update(ctx, p)
}

func (s *Service) ListPlans(ctx context.Context, facilityID string) ([]*QueryPlan, error) {
	return s.plans.ListByFacility(ctx, facilityID)
}

// PlanForEvent returns the plan serving a reportable event.
func (s *Service) PlanForEvent(ctx context.Context, facilityID, reportableEvent string) (*QueryPlan, error) {
	return s.plans.Get(ctx, facilityID, PlanTypeForEvent(reportableEvent))
}

// Upsert creates the plan or replaces the existing one for the same facility
// and plan type. It returns true when a plan was created.
func (s *Service) Upsert(ctx context.Context, p *QueryPlan) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	existing, err := s.plans.Get(ctx, p.FacilityID, p.Type)
	switch {
	case errors.Is(err, ErrNotFound):
		return true, s.plans.Create(ctx, p)
	case err != nil:
		return false, err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	return false, s.plans.Update(ctx, p)
}
