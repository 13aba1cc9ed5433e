package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/config"
	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/facility"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/engine"
	"github.com/ehr/acquisition/internal/platform/admission"
	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/db"
	"github.com/ehr/acquisition/internal/platform/events"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/serviceinfo"
	"github.com/ehr/acquisition/internal/platform/telemetry"
	"github.com/ehr/acquisition/migrations"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	info   serviceinfo.Info

	pool    *pgxpool.Pool
	rdb     *redis.Client
	gate    *admission.Tracked
	pub     events.Publisher
	sub     events.Consumer
	metrics *telemetry.Metrics

	configs *facility.Service
	plans   *queryplan.Service
	logs    *acquisition.Service

	job      *engine.Job
	acquirer *engine.Acquirer
	ingestor *engine.Ingestor

	shutdownTelemetry telemetry.Shutdown
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, info: serviceinfo.New(cfg.ServiceName, cfg.ServiceVersion)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.OTelEndpoint, a.info.Name(), a.info.Version(), cfg.OTelInsecure)
	if err != nil {
		return nil, err
	}
	a.metrics, err = telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		return nil, err
	}

	a.pool, err = db.NewPool(ctx, poolConfig(cfg, &logger))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	applied, err := db.NewMigrator(a.pool, migrations.FS, "").Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("database migrated")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("connected to redis")
	}

	var gate admission.Gate
	switch cfg.GateBackend {
	case "redis":
		gate = admission.NewRedisGate(a.rdb, admission.WithPollInterval(cfg.GatePoll()))
	default:
		logger.Warn().Msg("memory admission gate limits this process only")
		gate = admission.NewMemoryGate()
	}
	a.gate = admission.NewTracked(gate, admission.NewRegistry(), a.metrics)

	switch cfg.EventBackend {
	case "redis":
		bus := events.NewRedisStreams(a.rdb, cfg.EventConsumerGroup, logger,
			events.WithStreamPrefix(cfg.EventStreamPrefix))
		a.pub, a.sub = bus, bus
	case "webhook":
		var opts []events.WebhookOption
		if cfg.EventWebhookSecret != "" {
			opts = append(opts, events.WithSecret(cfg.EventWebhookSecret))
		}
		a.pub, err = events.NewWebhookPublisher(cfg.EventWebhookURL, logger, opts...)
		if err != nil {
			return nil, err
		}
	default:
		bus := events.NewMemoryBus(logger)
		a.pub, a.sub = bus, bus
	}

	tx := db.NewTransactor(a.pool)
	logRepo := acquisition.NewRepoPG(a.pool)
	a.configs = facility.NewService(facility.NewRepoPG(a.pool))
	a.plans = queryplan.NewService(queryplan.NewRepoPG(a.pool))
	a.logs = acquisition.NewService(logRepo, tx)

	a.job = engine.NewJob(logRepo, tx, a.configs, a.pub, a.metrics, logger, engine.JobConfig{
		BatchSize:           cfg.JobBatchSize,
		FacilityParallelism: cfg.JobFacilityParallelism,
	})
	executor := fhirclient.NewExecutor(a.gate, fhirclient.Config{
		Timeout:           cfg.FHIRTimeout(),
		Lease:             cfg.GateLease(),
		RequestsPerSecond: cfg.FHIRRequestsPerSecond,
		Burst:             cfg.FHIRBurst,
		Info:              a.info,
	}, a.metrics, logger)
	a.acquirer = engine.NewAcquirer(a.logs, a.configs, executor, a.pub, a.metrics, logger, cfg.JobMaxRetryAttempts,
		engine.WithItemLocks(a.gate, cfg.GateLease()))
	a.ingestor = engine.NewIngestor(a.logs, a.configs, a.plans, tx, logger)
	return a, nil
}

// routes mounts the management API and health endpoints on e.
func (a *app) routes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": a.info.Name(),
			"version": a.info.Version(),
		})
	})

	checks := map[string]db.Check{}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	e.GET("/health/db", db.HealthHandler(a.pool, checks))
	e.GET("/health/gate", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"backend": a.cfg.GateBackend,
			"leases":  a.gate.Registry().Snapshot(),
		})
	})

	apiV1 := e.Group("/api/v1")
	facility.NewHandler(a.configs).RegisterRoutes(apiV1)
	queryplan.NewHandler(a.plans).RegisterRoutes(apiV1)
	acquisition.NewHandler(a.logs).RegisterRoutes(apiV1)
	engine.NewHandler(a.job).RegisterRoutes(apiV1)
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.IsDev() && a.cfg.AuthJWKSURL == "" && a.cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	cfg := auth.JWTConfig{
		Issuer:   a.cfg.AuthIssuer,
		Audience: a.cfg.AuthAudience,
		JWKSURL:  a.cfg.AuthJWKSURL,
	}
	if a.cfg.AuthSigningKey != "" {
		cfg.SigningKey = []byte(a.cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(cfg)
}

// consumers returns the topic handlers this process serves.
func (a *app) consumers() map[string]events.Handler {
	return map[string]events.Handler{
		events.TopicDataAcquisitionRequested: a.ingestor.Handle,
		events.TopicReadyToAcquire:           a.acquirer.Handle,
	}
}

func (a *app) Close() {
	ctx := context.Background()
	var errs []error
	if a.gate != nil {
		errs = append(errs, a.gate.Close())
	}
	if a.pub != nil {
		errs = append(errs, a.pub.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown finished with errors")
	}
}
