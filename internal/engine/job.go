package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/facility"
	"github.com/ehr/acquisition/internal/platform/db"
	"github.com/ehr/acquisition/internal/platform/events"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

type JobConfig struct {
	BatchSize           int
	FacilityParallelism int
	TailLimit           int
}

func (c JobConfig) withDefaults() JobConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.FacilityParallelism <= 0 {
		c.FacilityParallelism = 8
	}
	if c.TailLimit <= 0 {
		c.TailLimit = 500
	}
	return c
}

// RunResult counts what one run of the job did.
type RunResult struct {
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skippedFacilities"`
	Tails    int `json:"tailsEmitted"`
}

// Job promotes Pending work items and emits completion signals for finished
// sibling groups.
type Job struct {
	logs    acquisition.Repository
	tx      db.Transactor
	configs *facility.Service
	pub     events.Publisher
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	cfg     JobConfig
	now     func() time.Time
}

func NewJob(logs acquisition.Repository, tx db.Transactor, configs *facility.Service, pub events.Publisher,
	metrics *telemetry.Metrics, logger zerolog.Logger, cfg JobConfig) *Job {
	return &Job{
		logs:    logs,
		tx:      tx,
		configs: configs,
		pub:     pub,
		metrics: metrics,
		logger:  logger.With().Str("component", "acquisition-job").Logger(),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Run is the cron entry point.
func (j *Job) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce performs the promotion pass and then the tail pass. A failure of
// one pass does not skip the other.
func (j *Job) RunOnce(ctx context.Context) (RunResult, error) {
	start := j.now()
	var res RunResult
	promoteErr := j.promote(ctx, &res)
	if promoteErr != nil {
		j.logger.Error().Err(promoteErr).Msg("promotion pass failed")
	}
	tails, tailErr := j.tail(ctx)
	if tailErr != nil {
		j.logger.Error().Err(tailErr).Msg("tail pass failed")
	}
	res.Tails = tails
	j.metrics.JobRan(ctx, j.now().Sub(start))
	j.logger.Debug().Int("promoted", res.Promoted).Int("failed", res.Failed).
		Int("skipped", res.Skipped).Int("tails", res.Tails).Msg("acquisition job finished")
	return res, errors.Join(promoteErr, tailErr)
}

type counters struct {
	promoted, failed, skipped atomic.Int64
}

func (j *Job) promote(ctx context.Context, res *RunResult) error {
	facilities, err := j.logs.PendingFacilities(ctx)
	if err != nil {
		return fmt.Errorf("list pending facilities: %w", err)
	}

	var c counters
	var g errgroup.Group
	g.SetLimit(j.cfg.FacilityParallelism)
	for _, f := range facilities {
		g.Go(func() error {
			if err := j.promoteFacility(ctx, f, &c); err != nil {
				j.logger.Error().Err(err).Str("facility_id", f).Msg("promotion failed for facility")
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Promoted = int(c.promoted.Load())
	res.Failed = int(c.failed.Load())
	res.Skipped = int(c.skipped.Load())
	return ctx.Err()
}

func (j *Job) promoteFacility(ctx context.Context, facilityID string, c *counters) error {
	cfg, err := j.configs.GetConfig(ctx, facilityID)
	missing := errors.Is(err, facility.ErrNotFound)
	if err != nil && !missing {
		return fmt.Errorf("load acquisition config: %w", err)
	}
	if !missing && !cfg.Window().Allows(j.now()) {
		c.skipped.Add(1)
		j.logger.Debug().Str("facility_id", facilityID).Msg("outside pull window")
		return nil
	}

	var after int64
	for {
		var n int
		err := j.tx.InTx(ctx, func(ctx context.Context) error {
			batch, err := j.logs.NextEligibleBatch(ctx, facilityID, after, j.cfg.BatchSize)
			if err != nil {
				return err
			}
			n = len(batch)
			for _, w := range batch {
				after = w.ID
				j.promoteItem(ctx, w, missing, c)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if n < j.cfg.BatchSize || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// promoteItem runs in a savepoint of the batch transaction so a failing
// item rolls back alone.
func (j *Job) promoteItem(ctx context.Context, w *acquisition.WorkItem, missingConfig bool, c *counters) {
	log := j.logger.With().Str("facility_id", w.FacilityID).Int64("log_id", w.ID).
		Str("correlation_id", w.CorrelationID).Str("report_tracking_id", w.ReportTrackingID).Logger()

	err := j.tx.InTx(ctx, func(ctx context.Context) error {
		now := j.now()
		if missingConfig {
			note := "no acquisition configuration found for facility " + w.FacilityID
			if err := acquisition.Advance(w, acquisition.EventMissingConfig, note, now); err != nil {
				return err
			}
			if err := j.logs.Update(ctx, w); err != nil {
				return err
			}
			c.failed.Add(1)
			j.metrics.Failed(ctx, w.FacilityID, 1)
			log.Warn().Msg(note)
			return nil
		}

		if err := acquisition.Advance(w, acquisition.EventPromote, "", now); err != nil {
			return err
		}
		if err := j.logs.Update(ctx, w); err != nil {
			return err
		}
		if err := j.publishReady(ctx, w); err != nil {
			log.Error().Err(err).Msg("failed to produce ReadyToAcquire message")
			note := "failed to produce ReadyToAcquire message: " + err.Error()
			if err := acquisition.Advance(w, acquisition.EventPublishFailed, note, j.now()); err != nil {
				return err
			}
			if err := j.logs.Update(ctx, w); err != nil {
				return err
			}
			c.failed.Add(1)
			j.metrics.Failed(ctx, w.FacilityID, 1)
			return nil
		}
		c.promoted.Add(1)
		j.metrics.Promoted(ctx, w.FacilityID, 1)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to promote acquisition log")
	}
}

func (j *Job) publishReady(ctx context.Context, w *acquisition.WorkItem) error {
	msg, err := events.NewMessage(ctx, events.TopicReadyToAcquire, w.FacilityID,
		events.ReadyToAcquire{WorkItemID: strconv.FormatInt(w.ID, 10), FacilityID: w.FacilityID},
		map[string]string{
			events.HeaderCorrelationID: w.CorrelationID,
			events.HeaderTraceParent:   w.TraceID,
			events.HeaderFacilityID:    w.FacilityID,
		})
	if err != nil {
		return err
	}
	return j.pub.Publish(ctx, msg)
}

// tail emits one completion signal per finished sibling group. Each group
// is claimed in its own transaction.
func (j *Job) tail(ctx context.Context) (int, error) {
	groups, err := j.logs.TailingGroups(ctx, j.cfg.TailLimit)
	if err != nil {
		return 0, fmt.Errorf("list tailing groups: %w", err)
	}
	emitted := 0
	for _, key := range groups {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		claimed, err := j.logs.ClaimTailGroup(ctx, key, j.publishTail)
		if err != nil {
			j.logger.Error().Err(err).Str("facility_id", key.FacilityID).
				Str("correlation_id", key.CorrelationID).Str("report_tracking_id", key.ReportTrackingID).
				Msg("failed to emit acquisition complete signal")
			continue
		}
		if claimed {
			emitted++
			j.metrics.TailEmitted(ctx, key.FacilityID)
		}
	}
	return emitted, nil
}

func (j *Job) publishTail(ctx context.Context, g acquisition.TailGroup) error {
	msg, err := events.NewMessage(ctx, events.TopicResourceAcquired, g.Key.FacilityID,
		events.ResourceAcquired{
			QueryType:           string(g.QueryPhase),
			ScheduledReports:    []events.ScheduledReport{g.ScheduledReport},
			ReportableEvent:     g.ReportableEvent,
			AcquisitionComplete: true,
			PatientID:           g.PatientID,
			ResourceIDs:         g.ResourceIDs,
		},
		map[string]string{
			events.HeaderCorrelationID: g.Key.CorrelationID,
			events.HeaderTraceParent:   g.TraceID,
			events.HeaderFacilityID:    g.Key.FacilityID,
		})
	if err != nil {
		return err
	}
	return j.pub.Publish(ctx, msg)
}
