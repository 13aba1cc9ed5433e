package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of connection pool usage.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check verifies one dependency.
type Check func(ctx context.Context) error

// HealthHandler pings the database and every named check. Any failure turns
// the response into a 503 that lists the failing dependencies.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		all := map[string]Check{"postgres": pool.Ping}
		for name, chk := range checks {
			all[name] = chk
		}
		body := map[string]interface{}{"pool": GetPoolStats(pool)}
		return c.JSON(runChecks(ctx, all, body))
	}
}

func runChecks(ctx context.Context, checks map[string]Check, body map[string]interface{}) (int, map[string]interface{}) {
	deps := make(map[string]string, len(checks))
	healthy := true
	for name, chk := range checks {
		if err := chk(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}
	body["dependencies"] = deps
	if !healthy {
		body["status"] = "unhealthy"
		return http.StatusServiceUnavailable, body
	}
	body["status"] = "healthy"
	return http.StatusOK, body
}
