package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/api"
	"github.com/ehr/fhirstore/internal/audit"
	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/engine"
	"github.com/ehr/fhirstore/internal/index"
	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/middleware"
	"github.com/ehr/fhirstore/internal/store"
	"github.com/ehr/fhirstore/internal/validation"
)

const (
	bulkBodyLimit  = "512M"
	requestTimeout = 30 * time.Second
)

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	store  *store.Store
	engine *engine.Engine

	closers []func() error
}

func newLogger(env, level string) zerolog.Logger {
	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// loadConfig reads and validates the configuration from envFile and the
// environment.
func loadConfig(envFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp connects the configured backend, replays its journal, attaches the
// audit sinks and builds the engine. Callers must Close the result.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.NeedsDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		logger.Info().Msg("connected to database")
	}

	journal, err := a.journal()
	if err != nil {
		a.Close()
		return nil, err
	}

	ix := index.New(nil)
	opts := []store.Option{store.WithIndexer(ix), store.WithLogger(logger.With().Str("component", "store").Logger())}
	if journal != nil {
		opts = append(opts, store.WithJournal(journal))
	}
	a.store = store.New(opts...)
	a.closers = append(a.closers, a.store.Close)
	if err := a.store.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.auditSinks()
	if err != nil {
		a.Close()
		return nil, err
	}

	gate := validation.New(validation.WithLogger(logger))
	if cfg.ProfilesDir != "" {
		n, err := gate.Profiles().LoadDir(cfg.ProfilesDir, gate.Terminology())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load profiles: %w", err)
		}
		logger.Info().Int("profiles", n).Str("dir", cfg.ProfilesDir).Msg("profiles loaded")
	}

	a.engine = engine.New(a.store, ix,
		engine.WithGate(gate),
		engine.WithAudit(notifier),
		engine.WithLogger(logger),
	)
	return a, nil
}

func (a *app) journal() (store.Journal, error) {
	switch a.cfg.StorageBackend {
	case config.BackendFile:
		j, err := store.OpenFileJournal(a.cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		a.logger.Info().Str("path", a.cfg.JournalPath).Msg("using file journal")
		return j, nil
	case config.BackendPostgres:
		a.logger.Info().Msg("using postgres journal")
		return store.NewPGJournal(a.pool), nil
	default:
		a.logger.Warn().Msg("using in-memory storage; data is lost on restart")
		return nil, nil
	}
}

func (a *app) auditSinks() (audit.Notifier, error) {
	var sinks audit.Multi
	for _, name := range a.cfg.AuditSinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, audit.NewLogSink(a.logger))
		case config.SinkPostgres:
			sinks = append(sinks, audit.NewPGSink(a.pool))
		case config.SinkNATS:
			ns, err := audit.DialNATS(a.cfg.NATSURL, "fhir-server")
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, ns.Close)
			sinks = append(sinks, ns)
		}
	}
	if len(sinks) == 0 {
		return audit.Nop{}, nil
	}
	return sinks, nil
}

func (a *app) health() db.Health {
	if a.pool != nil {
		h := db.PoolHealth(a.pool)
		h.Backend = a.cfg.StorageBackend
		return h
	}
	return db.Health{Backend: a.cfg.StorageBackend}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error().Err(err).Msg("shutdown")
		}
	}
	a.closers = nil
}

// newServer builds the echo instance serving the FHIR surface and /health.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(a.logger)

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Match", "If-None-Exist", "Prefer"},
		ExposeHeaders: []string{"ETag", "Last-Modified", "Location", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, bulkBodyLimit, api.IsBulk))
	e.Use(middleware.RequestTimeout(requestTimeout, api.IsStreaming))

	if cfg.AuthMode == "jwt" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthJWTKey),
		}))
	}

	e.GET("/health", db.HealthHandler(a.health()))
	api.New(a.engine, strings.TrimRight(cfg.BaseURL, "/"), a.logger).Register(e.Group(api.Prefix))
	return e
}
