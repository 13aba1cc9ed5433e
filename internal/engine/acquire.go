package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/facility"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/admission"
	"github.com/ehr/acquisition/internal/platform/events"
	"github.com/ehr/acquisition/internal/platform/fhir"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// FHIRClient is the executor surface the acquirer needs.
type FHIRClient interface {
	Read(ctx context.Context, t fhirclient.Target, resourceType, id string) (json.RawMessage, error)
	Search(ctx context.Context, t fhirclient.Target, resourceType, query string) iter.Seq2[*fhir.Bundle, error]
	SearchFirstPage(ctx context.Context, t fhirclient.Target, resourceType, query string) (*fhir.Bundle, error)
}

// ItemLocker admits one holder per work item across processes.
type ItemLocker interface {
	TryAcquire(ctx context.Context, key string, maxConcurrent int, lease time.Duration) (*admission.Lease, error)
}

const (
	defaultReferencePageSize = 100
	defaultItemLease         = time.Minute
)

// Acquirer consumes ReadyToAcquire and runs the queries of one work item.
type Acquirer struct {
	logs       *acquisition.Service
	configs    *facility.Service
	fhir       FHIRClient
	pub        events.Publisher
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	maxRetries int
	locks      ItemLocker
	itemLease  time.Duration
}

type AcquirerOption func(*Acquirer)

// WithItemLocks makes Handle hold a lease on the work item while it runs, so a
// redelivered message cannot run the same item twice at once.
func WithItemLocks(l ItemLocker, lease time.Duration) AcquirerOption {
	return func(a *Acquirer) {
		a.locks = l
		if lease > 0 {
			a.itemLease = lease
		}
	}
}

func NewAcquirer(logs *acquisition.Service, configs *facility.Service, client FHIRClient, pub events.Publisher,
	metrics *telemetry.Metrics, logger zerolog.Logger, maxRetries int, opts ...AcquirerOption) *Acquirer {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	a := &Acquirer{
		logs:       logs,
		configs:    configs,
		fhir:       client,
		pub:        pub,
		metrics:    metrics,
		logger:     logger.With().Str("component", "acquirer").Logger(),
		maxRetries: maxRetries,
		itemLease:  defaultItemLease,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func itemLockKey(facilityID string, id int64) string {
	return facilityID + "-" + strconv.FormatInt(id, 10)
}

// lockItem returns a release func, or a transient error when another
// consumer holds the item.
func (a *Acquirer) lockItem(ctx context.Context, facilityID string, id int64) (func(), error) {
	if a.locks == nil {
		return func() {}, nil
	}
	lease, err := a.locks.TryAcquire(ctx, itemLockKey(facilityID, id), 1, a.itemLease)
	if errors.Is(err, admission.ErrBusy) {
		return nil, transient(fmt.Errorf("acquisition log %d is being processed elsewhere", id))
	}
	if err != nil {
		return nil, err
	}
	lease.KeepAlive(ctx)
	return func() {
		if err := lease.Release(ctx); err != nil {
			a.logger.Warn().Err(err).Int64("log_id", id).Msg("failed to release item lock")
		}
	}, nil
}

// Handle processes one ReadyToAcquire message.
func (a *Acquirer) Handle(ctx context.Context, msg events.Message) error {
	req, err := events.Decode[events.ReadyToAcquire](msg)
	if err != nil {
		return deadLetter("%v", err)
	}
	if req.WorkItemID == "" || req.FacilityID == "" {
		return deadLetter("ReadyToAcquire requires workItemId and facilityId")
	}
	id, err := strconv.ParseInt(req.WorkItemID, 10, 64)
	if err != nil {
		return deadLetter("invalid workItemId %q", req.WorkItemID)
	}

	w, err := a.logs.Get(ctx, id)
	if errors.Is(err, acquisition.ErrNotFound) {
		return deadLetter("acquisition log %d not found", id)
	}
	if err != nil {
		return err
	}
	if w.FacilityID != req.FacilityID {
		return deadLetter("acquisition log %d belongs to facility %s, not %s", id, w.FacilityID, req.FacilityID)
	}

	unlock, err := a.lockItem(ctx, w.FacilityID, id)
	if err != nil {
		return err
	}
	defer unlock()

	// Reload under the lock; a previous holder may have moved the item on.
	if w, err = a.logs.Get(ctx, id); err != nil {
		return err
	}

	log := a.logger.With().Str("facility_id", w.FacilityID).Int64("log_id", w.ID).
		Str("correlation_id", w.CorrelationID).Str("report_tracking_id", w.ReportTrackingID).Logger()

	switch w.Status {
	case acquisition.StatusPending:
		return transient(fmt.Errorf("acquisition log %d is not promoted yet", id))
	case acquisition.StatusReady:
		if w, err = a.logs.Apply(ctx, id, acquisition.EventStart, "", nil); err != nil {
			return err
		}
	case acquisition.StatusProcessing:
		log.Info().Int("retry_attempts", w.RetryAttempts).Msg("resuming acquisition")
	default:
		log.Info().Str("status", string(w.Status)).Msg("skipping acquisition log that is not ready")
		return nil
	}

	cfg, err := a.configs.GetConfig(ctx, w.FacilityID)
	if errors.Is(err, facility.ErrNotFound) {
		_, err := a.logs.Apply(ctx, id, acquisition.EventFail, "no acquisition configuration found for facility "+w.FacilityID, nil)
		return err
	}
	if err != nil {
		return err
	}

	run := &acquisitionRun{a: a, item: w, target: cfg.Target()}
	runErr := run.execute(ctx)
	return a.finish(ctx, log, run, runErr)
}

func (a *Acquirer) finish(ctx context.Context, log zerolog.Logger, run *acquisitionRun, runErr error) error {
	w := run.item
	record := func(item *acquisition.WorkItem) error {
		item.AddResourceIDs(w.ResourceAcquiredIDs...)
		for _, r := range w.ReferenceResources {
			item.AddReference(r)
		}
		return nil
	}

	if runErr == nil {
		note := fmt.Sprintf("acquired %d resources and %d reference resources", len(w.ResourceAcquiredIDs), len(w.ReferenceResources))
		_, err := a.logs.Apply(ctx, w.ID, acquisition.EventComplete, note, record)
		if err == nil {
			a.metrics.Acquired(ctx, w.FacilityID, run.acquired)
		}
		return err
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}

	if isTransient(runErr) {
		ev := acquisition.EventRetry
		if w.RetryAttempts+1 >= a.maxRetries {
			ev = acquisition.EventRetriesExceeded
		}
		log.Warn().Err(runErr).Int("retry_attempts", w.RetryAttempts+1).Msg("acquisition attempt failed")
		if _, err := a.logs.Apply(ctx, w.ID, ev, runErr.Error(), record); err != nil {
			return err
		}
		if ev == acquisition.EventRetriesExceeded {
			a.metrics.Failed(ctx, w.FacilityID, 1)
			return nil
		}
		return transient(runErr)
	}

	log.Error().Err(runErr).Msg("acquisition failed")
	a.metrics.Failed(ctx, w.FacilityID, 1)
	_, err := a.logs.Apply(ctx, w.ID, acquisition.EventFail, runErr.Error(), record)
	return err
}

// acquisitionRun holds the in-flight state of one work item.
type acquisitionRun struct {
	a        *Acquirer
	item     *acquisition.WorkItem
	target   fhirclient.Target
	produced map[string][]string
	refs     map[string]map[string]bool
	acquired int
}

func (r *acquisitionRun) execute(ctx context.Context) error {
	r.produced = make(map[string][]string)
	r.refs = make(map[string]map[string]bool)

	targets := r.referenceTargets()
	for _, q := range r.item.Queries {
		queries := []queryplan.ResolvedQuery{q}
		if q.Pending() {
			expanded, err := q.Expand(func(rt string) ([]string, bool) {
				ids, ok := r.produced[rt]
				return ids, ok
			})
			if err != nil {
				return err
			}
			queries = expanded
		}
		for _, eq := range queries {
			if err := r.run(ctx, eq, targets); err != nil {
				return err
			}
		}
		for _, rt := range q.ResourceTypes {
			if _, ok := r.produced[rt]; !ok {
				r.produced[rt] = nil
			}
		}
	}
	return r.resolveReferences(ctx, targets)
}

func (r *acquisitionRun) referenceTargets() []queryplan.ReferenceTarget {
	var out []queryplan.ReferenceTarget
	for _, q := range r.item.Queries {
		for _, t := range q.References {
			if !slices.ContainsFunc(out, func(o queryplan.ReferenceTarget) bool { return o.ResourceType == t.ResourceType }) {
				out = append(out, t)
			}
		}
	}
	return out
}

func emptyIDFilter(q queryplan.ResolvedQuery) bool {
	for _, p := range q.Params {
		if p.Name == "_id" && strings.TrimSpace(p.Value) == "" {
			return true
		}
	}
	return false
}

func (r *acquisitionRun) run(ctx context.Context, q queryplan.ResolvedQuery, targets []queryplan.ReferenceTarget) error {
	switch q.QueryType {
	case queryplan.QueryRead:
		for _, rt := range q.ResourceTypes {
			res, err := r.a.fhir.Read(ctx, r.target, rt, q.ResourceID)
			if err != nil {
				return err
			}
			if err := r.accept(ctx, res, r.item.QueryPhase, targets); err != nil {
				return err
			}
		}
		return nil
	case queryplan.QuerySearch:
		if emptyIDFilter(q) {
			return nil
		}
		for _, rt := range q.ResourceTypes {
			for page, err := range r.a.fhir.Search(ctx, r.target, rt, q.Encode()) {
				if err != nil {
					return err
				}
				for _, res := range page.Resources() {
					if err := r.accept(ctx, res, r.item.QueryPhase, targets); err != nil {
						return err
					}
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported query type %s", q.QueryType)
	}
}

// accept records and publishes one acquired resource.
func (r *acquisitionRun) accept(ctx context.Context, res json.RawMessage, phase acquisition.QueryPhase, targets []queryplan.ReferenceTarget) error {
	h, err := fhir.ParseHeader(res)
	if err != nil {
		return err
	}
	if h.ResourceType == "OperationOutcome" {
		return nil
	}
	if phase == acquisition.PhaseReferential {
		r.item.AddReference(acquisition.ReferenceResource{ResourceType: h.ResourceType, ResourceID: h.ID, QueryPhase: phase})
	} else {
		if !slices.Contains(r.produced[h.ResourceType], h.ID) {
			r.produced[h.ResourceType] = append(r.produced[h.ResourceType], h.ID)
		}
		r.item.AddResourceIDs(fhir.FormatReference(h.ResourceType, h.ID))
		r.collectReferences(res, targets)
	}
	r.acquired++
	return r.publish(ctx, res, phase)
}

func (r *acquisitionRun) collectReferences(res json.RawMessage, targets []queryplan.ReferenceTarget) {
	if len(targets) == 0 {
		return
	}
	types := make([]string, len(targets))
	for i, t := range targets {
		types[i] = t.ResourceType
	}
	for rt, ids := range fhir.FindReferences(res, types) {
		if r.refs[rt] == nil {
			r.refs[rt] = make(map[string]bool)
		}
		for _, id := range ids {
			r.refs[rt][id] = true
		}
	}
}

// resolveReferences pulls referenced resources that were not already
// acquired by the item's own queries.
func (r *acquisitionRun) resolveReferences(ctx context.Context, targets []queryplan.ReferenceTarget) error {
	for _, t := range targets {
		var ids []string
		for id := range r.refs[t.ResourceType] {
			if !slices.Contains(r.produced[t.ResourceType], id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		slices.Sort(ids)

		if t.Operation == queryplan.OperationRead {
			for _, id := range ids {
				res, err := r.a.fhir.Read(ctx, r.target, t.ResourceType, id)
				var nf *fhirclient.NotFoundError
				if errors.As(err, &nf) {
					continue
				}
				if err != nil {
					return err
				}
				if err := r.accept(ctx, res, acquisition.PhaseReferential, nil); err != nil {
					return err
				}
			}
			continue
		}

		size := t.PageSize
		if size <= 0 {
			size = defaultReferencePageSize
		}
		for chunk := range slices.Chunk(ids, size) {
			page, err := r.a.fhir.SearchFirstPage(ctx, r.target, t.ResourceType, "_id="+strings.Join(chunk, ","))
			if err != nil {
				return err
			}
			for _, res := range page.Resources() {
				if err := r.accept(ctx, res, acquisition.PhaseReferential, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *acquisitionRun) publish(ctx context.Context, res json.RawMessage, phase acquisition.QueryPhase) error {
	msg, err := events.NewMessage(ctx, events.TopicResourceAcquired, r.item.FacilityID,
		events.ResourceAcquired{
			Resource:         res,
			QueryType:        string(phase),
			ScheduledReports: []events.ScheduledReport{r.item.ScheduledReport},
			ReportableEvent:  r.item.ReportableEvent,
			PatientID:        r.item.PatientID,
		},
		map[string]string{
			events.HeaderCorrelationID: r.item.CorrelationID,
			events.HeaderTraceParent:   r.item.TraceID,
			events.HeaderFacilityID:    r.item.FacilityID,
		})
	if err != nil {
		return err
	}
	if err := r.a.pub.Publish(ctx, msg); err != nil {
		return transient(fmt.Errorf("publish ResourceAcquired: %w", err))
	}
	return nil
}
