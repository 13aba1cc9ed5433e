// Package scheduling runs periodic jobs on a cron schedule.
package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of periodic work. The context is cancelled when the runner
// stops.
type Job func(ctx context.Context) error

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

// Runner schedules jobs. A job whose previous run is still in progress is
// skipped, and a panicking job is recovered and logged.
type Runner struct {
	cron   *cron.Cron
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewRunner(logger zerolog.Logger) *Runner {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job under name with a standard cron spec or a descriptor
// such as "@every 30s".
func (r *Runner) Add(name, spec string, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	id, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.ctx); err != nil {
			r.logger.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(start)).Msg("job run failed")
			return
		}
		r.logger.Debug().Str("job", name).Dur("elapsed", time.Since(start)).Msg("job run finished")
	})
	if err != nil {
		return fmt.Errorf("schedule job %s with %q: %w", name, spec, err)
	}
	r.entries[name] = id
	r.logger.Info().Str("job", name).Str("schedule", spec).Msg("job scheduled")
	return nil
}

// Next returns the next activation of the named job.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	id, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(id).Next, true
}

// Start runs the scheduler in its own goroutine.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for them to return, or for ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
