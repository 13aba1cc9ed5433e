package acquisition

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ehr/acquisition/internal/platform/db"
)

type Service struct {
	logs Repository
	tx   db.Transactor
	now  func() time.Time
}

func NewService(logs Repository, tx db.Transactor) *Service {
	return &Service{logs: logs, tx: tx, now: time.Now}
}

// Create stores a new Pending work item.
func (s *Service) Create(ctx context.Context, w *WorkItem) error {
	if strings.TrimSpace(w.FacilityID) == "" {
		return fmt.Errorf("facility id is required")
	}
	if strings.TrimSpace(w.CorrelationID) == "" {
		return fmt.Errorf("correlation id is required")
	}
	if strings.TrimSpace(w.ReportTrackingID) == "" {
		return fmt.Errorf("report tracking id is required")
	}
	if len(w.ScheduledReport.ReportTypes) == 0 {
		return fmt.Errorf("scheduled report is required")
	}
	if w.Priority == "" {
		w.Priority = PriorityNormal
	}
	w.Status = StatusPending
	w.RetryAttempts = 0
	w.TailSent = false
	return s.logs.Create(ctx, w)
}

func (s *Service) Get(ctx context.Context, id int64) (*WorkItem, error) {
	return s.logs.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*WorkItem, int, error) {
	return s.logs.List(ctx, f, limit, offset)
}

// Apply locks the item, runs mutate, and advances it by ev with note. Field
// changes made by mutate are kept only when the transition is legal. The
// notes and retry counter cannot be rewound by mutate.
func (s *Service) Apply(ctx context.Context, id int64, ev Event, note string, mutate func(*WorkItem) error) (*WorkItem, error) {
	var out *WorkItem
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		w, err := s.logs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		notes := slices.Clone(w.Notes)
		retries := w.RetryAttempts
		if mutate != nil {
			if err := mutate(w); err != nil {
				return err
			}
		}
		w.Notes = notes
		w.RetryAttempts = retries
		if err := Advance(w, ev, note, s.now()); err != nil {
			return err
		}
		if err := s.logs.Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}
