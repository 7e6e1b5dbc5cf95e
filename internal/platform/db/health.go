package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
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

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health describes a storage backend for the health endpoint. Ping and
// Stats are nil for backends without a database.
type Health struct {
	Backend string
	Ping    Pinger
	Stats   func() *PoolStats
}

// PoolHealth reports on a postgres backed deployment.
func PoolHealth(pool *pgxpool.Pool) Health {
	return Health{
		Backend: "postgres",
		Ping:    pool,
		Stats:   func() *PoolStats { return GetPoolStats(pool) },
	}
}

// HealthHandler returns a handler for the health check endpoint.
func HealthHandler(h Health) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]interface{}{
			"status":  "healthy",
			"backend": h.Backend,
		}
		if h.Stats != nil {
			body["pool"] = h.Stats()
		}
		if h.Ping == nil {
			return c.JSON(http.StatusOK, body)
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := h.Ping.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
