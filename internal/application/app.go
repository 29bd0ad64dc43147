package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clawroute/clawroute/internal/application/usecase"
	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm"
	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	"github.com/clawroute/clawroute/internal/infrastructure/persistence"
	"github.com/clawroute/clawroute/internal/infrastructure/pool"
	"github.com/clawroute/clawroute/internal/infrastructure/transform"
	httpiface "github.com/clawroute/clawroute/internal/interfaces/http"
)

// App owns the gateway's component lifetimes: it builds everything at
// startup, runs the background workers, and tears the stack down in reverse
// order on Stop.
type App struct {
	store      *config.Store
	pool       *pool.Pool
	monitor    *monitoring.Monitor
	sink       *monitoring.Sink
	attempts   *persistence.AttemptRepository
	tracker    *llm.Tracker
	registry   *llm.Registry
	router     *llm.Router
	supervisor *llm.Supervisor
	discoverer *llm.Discoverer
	pipeline   *usecase.Pipeline
	server     *httpiface.Server
	logger     *zap.Logger

	stopCh   chan struct{}
	shutdown chan struct{} // closed when /shutdown requests a drain
}

// NewApp wires the runtime from a configuration snapshot.
func NewApp(cfg *config.Config, configPath string, logger *zap.Logger) (*App, error) {
	app := &App{
		logger:   logger,
		stopCh:   make(chan struct{}),
		shutdown: make(chan struct{}),
	}

	app.store = config.NewStore(cfg, configPath, logger)
	app.pool = pool.New(cfg.Pool, logger)
	app.monitor = monitoring.NewMonitor()

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if db != nil {
		app.attempts = persistence.NewAttemptRepository(db)
	}
	app.sink = monitoring.NewSink(app.monitor, storeOrNil(app.attempts), logger)

	app.tracker = llm.NewTracker(cfg.Health, app.sink, logger)
	app.tracker.Sync(cfg.Providers)

	deps := llm.Deps{
		Pool: app.pool,
		Options: transform.Options{
			SafetyStopReason: cfg.Routing.SafetyStopReason,
		},
		Logger: logger,
	}
	app.registry, err = llm.NewRegistry(cfg, deps)
	if err != nil {
		return nil, err
	}

	app.router = llm.NewRouter(app.tracker, logger)
	app.supervisor = llm.NewSupervisor(app.router, logger)
	app.discoverer = llm.NewDiscoverer(app.registry, logger)
	app.pipeline = usecase.NewPipeline(app.store, app.registry, app.tracker, app.supervisor, app.monitor, logger)

	// A snapshot swap re-syncs providers without touching in-flight requests.
	app.store.OnSwap(func(next *config.Config) {
		app.tracker.Sync(next.Providers)
		nextDeps := deps
		nextDeps.Options.SafetyStopReason = next.Routing.SafetyStopReason
		if err := app.registry.Rebuild(next, nextDeps); err != nil {
			logger.Error("Provider registry rebuild failed", zap.Error(err))
		}
	})

	app.server = httpiface.NewServer(cfg.Gateway, httpiface.Deps{
		Store:    app.store,
		Pipeline: app.pipeline,
		Tracker:  app.tracker,
		Monitor:  app.monitor,
		Attempts: app.attempts,
		Shutdown: app.RequestShutdown,
	}, logger)

	return app, nil
}

func storeOrNil(repo *persistence.AttemptRepository) monitoring.AttemptStore {
	if repo == nil {
		return nil
	}
	return repo
}

// Start launches the HTTP server and background workers.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.Watch(); err != nil {
		a.logger.Warn("Config watch unavailable", zap.Error(err))
	}

	a.spawn("model-discovery", func() {
		discCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a.discoverer.Refresh(discCtx)
	})
	a.spawn("health-probes", a.probeLoop)
	if a.attempts != nil {
		a.spawn("attempt-prune", a.pruneLoop)
	}

	return a.server.Start(ctx)
}

// spawn runs a background worker. A panic is logged and the worker is
// restarted after a short pause, so a single bad probe cycle cannot
// permanently silence health checks; a clean return ends the worker.
func (a *App) spawn(name string, fn func()) {
	run := func() (panicked bool) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				a.logger.Error("Background worker panicked",
					zap.String("worker", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
		return false
	}

	go func() {
		for {
			if !run() {
				return
			}
			select {
			case <-a.stopCh:
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// probeLoop pings each provider on the configured interval; results feed the
// same health path as real attempts, at reduced weight.
func (a *App) probeLoop() {
	interval := a.store.Snapshot().Health.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, p := range a.registry.All() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				start := time.Now()
				err := p.Ping(ctx)
				cancel()
				a.tracker.RecordProbe(p.ID(), time.Since(start), err)
			}
		}
	}
}

// pruneLoop trims the attempt audit log to a 7-day window.
func (a *App) pruneLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.attempts.PruneOlderThan(time.Now().AddDate(0, 0, -7)); err != nil {
				a.logger.Warn("Attempt prune failed", zap.Error(err))
			}
		}
	}
}

// RequestShutdown signals a graceful stop (used by POST /shutdown).
func (a *App) RequestShutdown() {
	select {
	case <-a.shutdown:
	default:
		close(a.shutdown)
	}
}

// ShutdownRequested exposes the drain signal for the process main loop.
func (a *App) ShutdownRequested() <-chan struct{} {
	return a.shutdown
}

// Stop drains the server, stops workers, and flushes the event sink.
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	close(a.stopCh)
	a.store.Close()
	a.pool.Close()
	a.sink.Close()
	return err
}

// Pipeline exposes the orchestrator (used by tests and embedding callers).
func (a *App) Pipeline() *usecase.Pipeline { return a.pipeline }

// Logger exposes the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }
