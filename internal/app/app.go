// Package app wires the process-level components: database, config, logger,
// provider adapters and the orchestration services built on top of them. The
// CLI and the test harnesses both assemble through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/eligibility"
	"switchyard/internal/health"
	"switchyard/internal/migrate"
	"switchyard/internal/orchestrator"
	"switchyard/internal/provider"
	"switchyard/internal/provider/circle"
	"switchyard/internal/provider/dwolla"
	"switchyard/internal/provider/stripe"
	"switchyard/internal/provider/tempo"
	"switchyard/internal/reconcile"
	"switchyard/internal/repo"
)

type App struct {
	DB           *sql.DB
	Config       *config.Config
	Log          zerolog.Logger
	Repo         repo.Repo
	Registry     *provider.Registry
	Health       *health.Registry
	Resolver     *eligibility.Resolver
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconcile.Reconciler
}

// New opens the workspace database, runs migrations and builds the full
// service graph from the workspace config.
func New(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	a, err := Build(conn, cfg, NewLogger(os.Stderr))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// Build assembles the service graph on an already-open database. Tests use
// this directly with in-memory fixtures.
func Build(conn *sql.DB, cfg *config.Config, log zerolog.Logger) (*App, error) {
	adapters, err := buildAdapters(cfg)
	if err != nil {
		return nil, err
	}
	registry := provider.NewRegistry(adapters...)
	healthReg := health.NewRegistry(cfg)
	resolver := eligibility.NewResolver(cfg, registry, log)
	return &App{
		DB:           conn,
		Config:       cfg,
		Log:          log,
		Repo:         repo.Repo{DB: conn},
		Registry:     registry,
		Health:       healthReg,
		Resolver:     resolver,
		Orchestrator: orchestrator.New(conn, cfg, resolver, healthReg, registry, log),
		Reconciler:   reconcile.New(conn, cfg, registry, log),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// NewLogger builds the process logger. SWITCHYARD_LOG selects the level;
// output is human-readable on a terminal, JSON otherwise.
func NewLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("SWITCHYARD_LOG"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	if f, ok := w.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339}
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func buildAdapters(cfg *config.Config) ([]provider.Adapter, error) {
	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	for _, pcfg := range cfg.Providers {
		switch pcfg.Kind {
		case "tempo":
			adapters = append(adapters, tempo.New(pcfg))
		case "circle":
			adapters = append(adapters, circle.New(pcfg))
		case "stripe":
			adapters = append(adapters, stripe.New(pcfg))
		case "dwolla":
			adapters = append(adapters, dwolla.New(pcfg))
		default:
			return nil, fmt.Errorf("provider %s has unknown kind %s", pcfg.ID, pcfg.Kind)
		}
	}
	return adapters, nil
}

// StartSchedulers runs the background loops: provider probes, the SLA sweep,
// the status poll for poll-configured providers and the orphan buffer flush.
// The returned cron is already started; stop it on shutdown.
func (a *App) StartSchedulers(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 30s", func() { a.ProbeAll(ctx) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 1m", func() {
		if _, err := a.Reconciler.SweepSLA(ctx); err != nil {
			a.Log.Error().Err(err).Msg("sla sweep failed")
		}
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 30s", func() { a.Reconciler.Poll(ctx) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 15s", func() { a.Reconciler.FlushOrphans(ctx) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// ProbeAll probes every provider once and records the results.
func (a *App) ProbeAll(ctx context.Context) {
	timeout := 3 * time.Second
	if a.Config.Health.ProbeTimeoutSeconds > 0 {
		timeout = time.Duration(a.Config.Health.ProbeTimeoutSeconds) * time.Second
	}
	for _, adapter := range a.Registry.All() {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := adapter.Probe(probeCtx)
		cancel()
		if err != nil {
			a.Health.RecordProbe(adapter.ID(), false, 0)
			a.Log.Warn().Err(err).Str("provider", adapter.ID()).Msg("probe failed")
			continue
		}
		a.Health.RecordProbe(adapter.ID(), res.Healthy, res.LatencyMs)
	}
}
