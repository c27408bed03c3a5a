// Package app wires the Waybill realtime server runtime: config, logging,
// HTTP routes, the websocket gateway, and the event emission API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"waybill/cmd/internal/auth/token"
	"waybill/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// App is the Waybill realtime server runtime: it owns HTTP server wiring and
// the realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	tokens  token.Manager
	ws      *realtime.WSGateway
	emitter *realtime.Emitter
}

// New constructs a fully wired App instance from config and logger.
// It fails fast on an unusable token secret: the realtime surface is
// worthless (and dangerous) without verifiable tokens.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	tokens, err := token.NewHMACManager(token.Config{
		Secret:    []byte(cfg.TokenSecret),
		Issuer:    cfg.TokenIssuer,
		TTL:       cfg.TokenTTL,
		ClockSkew: cfg.TokenClockSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("app: token manager: %w", err)
	}

	dbPool, dbEnabled, assignments, err := newAssignmentStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	var reg prometheus.Registerer
	if cfg.MetricsEnabled {
		reg = prometheus.DefaultRegisterer
	}
	metrics := realtime.NewMetrics(reg)

	registry := realtime.NewRegistry(log)
	ws := realtime.NewWSGateway(log, tokens, registry, assignments, metrics)
	emitter := realtime.NewEmitter(log, ws)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		tokens:    tokens,
		ws:        ws,
		emitter:   emitter,
	}, nil
}

// Emitter exposes the emission API so business-layer mutation handlers can
// publish events.
func (a *App) Emitter() *realtime.Emitter { return a.emitter }

// Tokens exposes the token manager (used by auth endpoints and tooling).
func (a *App) Tokens() token.Manager { return a.tokens }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newAssignmentStore decides between Postgres-backed route assignments and
// the in-memory dev store.
func newAssignmentStore(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, bool, realtime.AssignmentStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_assignments")
		return nil, false, realtime.NewMemoryAssignmentStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, false, nil, err
	}

	store, err := realtime.NewPostgresAssignmentStore(pool, realtime.WithAssignmentSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, false, nil, err
	}

	log.Info("db.enabled.postgres_assignments", "schema", cfg.DBSchema)
	return pool, true, store, nil
}
