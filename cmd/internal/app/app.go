// Package app wires the anchor server runtime: config, logging, chain store,
// HTTP routes, metrics and the websocket tail feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"anchor/cmd/internal/anchoring"
	"anchor/cmd/internal/anchoring/api"
	"anchor/cmd/internal/anchoring/watch"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the anchor server runtime: it owns the store, the HTTP server wiring
// and the watch gateway.
type App struct {
	cfg Config
	log Logger

	store     anchoring.ChainStore
	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry

	svc *anchoring.Service
	api *api.Handler
	ws  *watch.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(cfg, log, st)
	if err != nil {
		_ = st.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	a.dbPool = pool
	a.dbEnabled = pool != nil
	return a, nil
}

// assemble builds everything above the store. It never closes st.
func assemble(cfg Config, log Logger, st anchoring.ChainStore) (*App, error) {
	var reg *prometheus.Registry
	opts := []anchoring.Option{anchoring.WithLogger(log)}

	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		if err := reg.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		m, err := anchoring.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, anchoring.WithMetrics(m))
	}

	hub := watch.NewHub(log)
	opts = append(opts, anchoring.WithObserver(hub))

	svc, err := anchoring.NewService(st, opts...)
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(log, svc, api.Config{MaxBodyBytes: cfg.APIMaxBodyBytes})
	if err != nil {
		return nil, err
	}

	ws, err := watch.NewGateway(log, hub, svc, watch.Config{
		DevInsecure:       cfg.WSDevInsecure,
		OriginRequired:    cfg.WSOriginRequired,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		WriteTimeout:      cfg.WSWriteTimeout,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
		SendQueueSize:     cfg.WSSendQueueSize,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: reg,
		svc:      svc,
		api:      apiHandler,
		ws:       ws,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"db_enabled", a.dbEnabled,
		"metrics_enabled", a.registry != nil,
	)

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
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.Close()
		return err
	}

	a.Close()
	a.log.Info("server.stopped")
	return nil
}

// Close releases the store and, when present, the database pool.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// openStore selects the chain store named by ANCHOR_STORE.
// The returned pool is non-nil only for the postgres store; the app owns it.
func openStore(ctx context.Context, cfg Config, log Logger) (anchoring.ChainStore, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StoreMemory:
		log.Info("store.memory")
		return anchoring.NewMemoryStore(), nil, nil

	case StoreSQLite:
		st, err := anchoring.OpenSQLite(filepath.Clean(cfg.SQLitePath))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return st, nil, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open db pool: %w", err)
		}
		st, err := anchoring.NewPostgresStore(pool, anchoring.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.DBMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		log.Info("store.postgres", "schema", st.Schema(), "migrated", cfg.DBMigrate)
		return st, pool, nil

	default:
		namer, err := ValidateSecurityConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := anchoring.NewFileStore(cfg.StoreDir,
			anchoring.WithFsync(cfg.StoreFsync),
			anchoring.WithFlock(cfg.StoreFlock),
			anchoring.WithNamer(namer),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		log.Info("store.file",
			"dir", cfg.StoreDir,
			"fsync", cfg.StoreFsync,
			"flock", cfg.StoreFlock,
			"keyed_names", namer.Keyed(),
		)
		return st, nil, nil
	}
}
