package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func serveHealth(t *testing.T, h Health) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(h)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_NoDatabase(t *testing.T) {
	code, body := serveHealth(t, Health{Backend: "memory"})
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" || body["backend"] != "memory" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["pool"]; ok {
		t.Error("expected no pool stats without a database")
	}
}

func TestHealthHandler_PingFails(t *testing.T) {
	h := Health{
		Backend: "postgres",
		Ping:    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
		Stats:   func() *PoolStats { return &PoolStats{MaxConns: 20} },
	}
	code, body := serveHealth(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	if body["error"] != "connection refused" {
		t.Errorf("unexpected error field: %v", body["error"])
	}
	pool, ok := body["pool"].(map[string]interface{})
	if !ok || pool["max_conns"] != float64(20) {
		t.Errorf("expected pool stats, got %v", body["pool"])
	}
}

func TestHealthHandler_PingSucceeds(t *testing.T) {
	var pinged bool
	h := Health{
		Backend: "postgres",
		Ping: pingFunc(func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected ping to carry a deadline")
			}
			pinged = true
			return nil
		}),
	}
	code, body := serveHealth(t, h)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("expected healthy 200, got %d %v", code, body)
	}
	if !pinged {
		t.Error("expected the database to be pinged")
	}
}
