package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/acquisition/internal/platform/middleware"
	"github.com/ehr/acquisition/internal/platform/scheduling"
	"github.com/ehr/acquisition/internal/platform/serviceinfo"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

const acquisitionJobName = "acquisition-job"

func newEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(serviceinfo.WithContext(req.Context(), a.info)))
			return next(c)
		}
	})
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		Burst:             a.cfg.RateLimitBurst,
	}))
	e.Use(a.authMiddleware())

	a.routes(e)
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = serviceinfo.WithContext(ctx, serviceinfo.New(cfg.ServiceName, cfg.ServiceVersion))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	runner := scheduling.NewRunner(logger)
	runJob := func(ctx context.Context) error {
		return a.job.Run(serviceinfo.WithContext(ctx, a.info))
	}
	if err := runner.Add(acquisitionJobName, cfg.JobSchedule, runJob); err != nil {
		return err
	}

	e := newEcho(a)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	runner.Start()
	if next, ok := runner.Next(acquisitionJobName); ok {
		logger.Info().Str("schedule", cfg.JobSchedule).Time("next", next).Msg("acquisition job scheduled")
	}

	if cfg.RunExecutor && a.sub != nil {
		for topic, h := range a.consumers() {
			g.Go(func() error {
				err := a.sub.Consume(gctx, topic, h)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	<-gctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("acquisition job did not stop in time")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stop()

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
