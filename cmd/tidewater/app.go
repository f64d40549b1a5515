package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/internal/pipeline"
	"github.com/ajitpratap0/tidewater/pkg/alerting"
	"github.com/ajitpratap0/tidewater/pkg/archive"
	"github.com/ajitpratap0/tidewater/pkg/auth"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/lease"
	"github.com/ajitpratap0/tidewater/pkg/logger"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/observability"
	"github.com/ajitpratap0/tidewater/pkg/warehouse/sqlstore"

	// Register every provider integration
	_ "github.com/ajitpratap0/tidewater/pkg/connector/sources"
)

// app holds the collaborators one CLI invocation needs. close releases them
// in reverse order of acquisition.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlstore.Store
	closers []func(context.Context) error
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "loading configuration")
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "initializing logger")
	}
	return cfg, logger.Get().With(zap.String("component", "tidewater-cli")), nil
}

// openApp loads configuration and opens the warehouse.
func openApp(ctx context.Context, path string) (*app, error) {
	cfg, log, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	store, err := sqlstore.Open(ctx, cfg.Warehouse, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.onClose(func(context.Context) error { return store.Close() })
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = logger.Sync()
}

// orchestrator wires tracing, credentials, the lease backend, alert sinks
// and the optional archive around the warehouse.
func (a *app) orchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	shutdown, err := observability.Init(a.cfg.Tracing, version)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "initializing tracing")
	}
	a.onClose(shutdown)

	opts := auth.BuildOptions{}
	if a.cfg.Vault.Enabled {
		secrets, err := auth.NewVaultSecrets(a.cfg.Vault)
		if err != nil {
			return nil, err
		}
		opts.Secrets = secrets
	}
	creds, err := auth.BuildStore(a.cfg, opts, a.log)
	if err != nil {
		return nil, err
	}

	leaser, err := lease.New(ctx, a.cfg.Lease)
	if err != nil {
		return nil, err
	}
	if r, ok := leaser.(*lease.Redis); ok {
		a.onClose(func(context.Context) error { return r.Close() })
	}

	sink, err := alerting.New(a.cfg.Alerts, a.log)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return sink.Close() })

	deps := pipeline.Deps{
		Config:      a.cfg,
		Warehouse:   a.store,
		Credentials: creds,
		Leaser:      leaser,
		Alerts:      sink,
		Logger:      a.log,
	}
	arc, err := archive.FromConfig(ctx, a.cfg.Archive)
	if err != nil {
		return nil, err
	}
	if arc != nil {
		deps.Archiver = arc
	}
	return pipeline.New(deps)
}

// serveMetrics exposes the Prometheus handler while a command runs, when a
// listen address is configured.
func (a *app) serveMetrics() {
	addr := a.cfg.Metrics.ListenAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", addr))
	a.onClose(srv.Shutdown)
}
