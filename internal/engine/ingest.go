package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/facility"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/db"
	"github.com/ehr/acquisition/internal/platform/events"
)

// Ingestor turns DataAcquisitionRequested messages into Pending work items.
type Ingestor struct {
	logs    *acquisition.Service
	configs *facility.Service
	plans   *queryplan.Service
	tx      db.Transactor
	logger  zerolog.Logger
}

func NewIngestor(logs *acquisition.Service, configs *facility.Service, plans *queryplan.Service,
	tx db.Transactor, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		logs:    logs,
		configs: configs,
		plans:   plans,
		tx:      tx,
		logger:  logger.With().Str("component", "ingestor").Logger(),
	}
}

// facilityOf reads the facility from the message key, then the header.
func facilityOf(msg events.Message) string {
	if msg.Key != "" {
		return msg.Key
	}
	return msg.Header(events.HeaderFacilityID)
}

// reportTrackingID derives a stable id for one reporting unit of a facility.
func reportTrackingID(facilityID string, r events.ScheduledReport) string {
	name := strings.Join([]string{
		facilityID,
		strings.Join(r.ReportTypes, ","),
		r.Frequency,
		r.StartDate.UTC().Format("2006-01-02T15:04:05Z"),
		r.EndDate.UTC().Format("2006-01-02T15:04:05Z"),
	}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Handle is the DataAcquisitionRequested consumer.
func (i *Ingestor) Handle(ctx context.Context, msg events.Message) error {
	_, err := i.Ingest(ctx, msg)
	return err
}

// Ingest creates the work items of one request in a single transaction and
// returns them.
func (i *Ingestor) Ingest(ctx context.Context, msg events.Message) ([]*acquisition.WorkItem, error) {
	req, err := events.Decode[events.DataAcquisitionRequested](msg)
	if err != nil {
		return nil, deadLetter("%v", err)
	}
	facilityID := facilityOf(msg)
	patientID := queryplan.PatientIDPart(req.PatientID)
	if facilityID == "" {
		return nil, deadLetter("DataAcquisitionRequested has no facility id")
	}
	if patientID == "" {
		return nil, deadLetter("DataAcquisitionRequested has no patient id")
	}
	if len(req.ScheduledReports) == 0 {
		return nil, deadLetter("DataAcquisitionRequested has no scheduled reports")
	}
	for _, r := range req.ScheduledReports {
		if len(r.ReportTypes) == 0 {
			return nil, deadLetter("scheduled report has no report types")
		}
	}

	phase := queryplan.PhaseInitial
	if req.QueryType != "" {
		if phase, err = queryplan.ParsePhase(req.QueryType); err != nil {
			return nil, deadLetter("%v", err)
		}
	}

	log := i.logger.With().Str("facility_id", facilityID).Str("patient_id", patientID).Logger()

	if _, err := i.configs.GetConfig(ctx, facilityID); err != nil {
		if errors.Is(err, facility.ErrNotFound) {
			log.Error().Msg("no acquisition configuration for facility")
			return nil, deadLetter("no acquisition configuration found for facility %s", facilityID)
		}
		return nil, err
	}
	plan, err := i.plans.PlanForEvent(ctx, facilityID, req.ReportableEvent)
	if err != nil {
		if errors.Is(err, queryplan.ErrNotFound) {
			return nil, deadLetter("no %s query plan for facility %s", queryplan.PlanTypeForEvent(req.ReportableEvent), facilityID)
		}
		return nil, err
	}
	lookBack, err := plan.LookBackDuration()
	if err != nil {
		return nil, deadLetter("%v", err)
	}

	correlationID := msg.Header(events.HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var items []*acquisition.WorkItem
	for _, report := range req.ScheduledReports {
		groups, err := queryplan.Resolve(plan, phase, queryplan.Bindings{
			PatientID:     patientID,
			LookbackStart: report.StartDate.Add(-lookBack),
			LookbackEnd:   report.EndDate,
			PeriodStart:   report.StartDate,
			PeriodEnd:     report.EndDate,
		})
		if err != nil {
			return nil, deadLetter("resolve %s plan for facility %s: %v", plan.Type, facilityID, err)
		}

		base := acquisition.WorkItem{
			FacilityID:       facilityID,
			PatientID:        patientID,
			CorrelationID:    correlationID,
			ReportTrackingID: reportTrackingID(facilityID, report),
			ReportableEvent:  req.ReportableEvent,
			QueryPhase:       acquisition.QueryPhase(phase),
			ScheduledReport:  report,
			TraceID:          msg.Header(events.HeaderTraceParent),
		}
		if phase == queryplan.PhaseInitial {
			w := base
			w.QueryType = queryplan.QueryRead
			w.Queries = []queryplan.ResolvedQuery{{
				Key:           "Patient",
				QueryType:     queryplan.QueryRead,
				ResourceTypes: []string{"Patient"},
				ResourceID:    patientID,
			}}
			items = append(items, &w)
		}
		for _, g := range groups {
			w := base
			w.QueryType = g.Queries[0].QueryType
			w.Queries = g.Queries
			items = append(items, &w)
		}
	}

	err = i.tx.InTx(ctx, func(ctx context.Context) error {
		for _, w := range items {
			if err := i.logs.Create(ctx, w); err != nil {
				return fmt.Errorf("create acquisition log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("correlation_id", correlationID).Int("work_items", len(items)).Msg("acquisition requested")
	return items, nil
}
