package facility

import (
	"context"
	"errors"
	"time"
)

type Service struct {
	configs Repository
	now     func() time.Time
}

func NewService(configs Repository) *Service {
	return &Service{configs: configs, now: time.Now}
}

func (s *Service) CreateConfig(ctx context.Context, c *AcquisitionConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := s.configs.Get(ctx, c.FacilityID); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	c.applyDefaults()
	c.toUTC(s.now())
	return s.configs.Create(ctx, c)
}

// GetConfig returns the stored config with pull times in UTC.
func (s *Service) GetConfig(ctx context.Context, facilityID string) (*AcquisitionConfig, error) {
	return s.configs.Get(ctx, facilityID)
}

// UpdateConfig replaces a config. Secrets omitted from c are kept from the
// stored config, since reads never return them.
func (s *Service) UpdateConfig(ctx context.Context, c *AcquisitionConfig) error {
	existing, err := s.configs.Get(ctx, c.FacilityID)
	if err != nil {
		return err
	}
	if c.Auth.Key == "" {
		c.Auth.Key = existing.Auth.Key
	}
	if c.Auth.Password == "" {
		c.Auth.Password = existing.Auth.Password
	}
	if err := c.Validate(); err != nil {
		return err
	}
	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	c.applyDefaults()
	c.toUTC(s.now())
	return s.configs.Update(ctx, c)
}

func (s *Service) DeleteConfig(ctx context.Context, facilityID string) error {
	return s.configs.Delete(ctx, facilityID)
}

func (s *Service) ListConfigs(ctx context.Context, limit, offset int) ([]*AcquisitionConfig, int, error) {
	return s.configs.List(ctx, limit, offset)
}
