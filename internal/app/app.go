// Package app assembles a runnable board from a workspace: storage, engine,
// push hub, scheduled jobs and the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"sprintboard/internal/config"
	"sprintboard/internal/db"
	"sprintboard/internal/engine"
	"sprintboard/internal/events"
	"sprintboard/internal/gateway"
	"sprintboard/internal/logging"
	"sprintboard/internal/migrate"
	"sprintboard/internal/repo"
	"sprintboard/internal/sequencer"
	"sprintboard/internal/server"
	"sprintboard/internal/store"
	"sprintboard/internal/store/pgstore"
)

// Runtime holds the wired components for one workspace.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Repo    repo.Repo
	Journal events.Journal
	Store   store.Store
	Engine  *engine.Engine
	Hub     *gateway.Hub
	Logger  *slog.Logger

	closers []func()
}

// Open prepares the workspace database, selects the task store and builds the
// engine. The hub is created but only serves once Handler is mounted.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, DB: conn, Logger: logger}
	rt.closers = append(rt.closers, func() { conn.Close() })
	from, err := migrate.Version(ctx, conn)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("schema version: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if from != version {
		logger.Info("workspace schema migrated", "from", from, "to", version, "path", db.Path(workspace))
	}
	rt.Repo = repo.Repo{DB: conn}
	rt.Journal = events.Journal{DB: conn}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		rt.Store = pg
	default:
		rt.Store = rt.Repo
	}

	e := engine.New(rt.Store, cfg)
	e.Logger = logger
	e.Journal = rt.Journal
	e.Sequencer = sequencer.New(rt.Journal.LastSequence)
	rt.Engine = e
	rt.Hub = gateway.NewHub(e.Log, gateway.OptionsFrom(cfg), logger.With("component", "gateway"))
	e.Fanout = rt.Hub
	if err := rt.warmReplay(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// warmReplay seeds the replay buffer of every sprint from the journal so a
// restarted server can still serve reconnecting clients.
func (rt *Runtime) warmReplay(ctx context.Context) error {
	sprints, err := rt.Store.ListSprints(ctx)
	if err != nil {
		return fmt.Errorf("list sprints: %w", err)
	}
	limit := rt.Config.Replay.MaxEvents
	if limit <= 0 {
		limit = 500
	}
	for _, s := range sprints {
		last, err := rt.Journal.LastSequence(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("journal head %s: %w", s.ID, err)
		}
		if last == 0 {
			continue
		}
		recent, err := rt.Journal.Recent(ctx, s.ID, limit)
		if err != nil {
			return fmt.Errorf("journal recent %s: %w", s.ID, err)
		}
		rt.Engine.Log.Restore(s.ID, last, recent)
	}
	return nil
}

// Handler builds the HTTP API with the push channel mounted.
func (rt *Runtime) Handler(basePath string, authCfg server.AuthConfig) (http.Handler, error) {
	return server.New(server.Config{
		Engine:   rt.Engine,
		Hub:      rt.Hub,
		Keys:     rt.Repo,
		BasePath: basePath,
		Auth:     authCfg,
		Logger:   rt.Logger,
	})
}

// Scheduler registers the periodic aggregate reconcile and replay pruning.
func (rt *Runtime) Scheduler() (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := rt.Config.Aggregate.ReconcileSchedule
	if spec == "" {
		spec = "@every 1m"
	}
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Engine.Aggregates.Reconcile(ctx); err != nil {
			rt.Logger.Warn("aggregate reconcile failed", "error", err)
		}
		if n := rt.Engine.Log.Prune(); n > 0 {
			rt.Logger.Debug("pruned replay buffer", "events", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate.reconcile_schedule %q: %w", spec, err)
	}
	return c, nil
}

// Serve runs the HTTP server, outbox redelivery, webhook dispatch and the
// scheduler until ctx is cancelled or one of them fails.
func (rt *Runtime) Serve(ctx context.Context, addr string, handler http.Handler) error {
	sched, err := rt.Scheduler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return rt.Engine.RunRedelivery(ctx)
	})
	if d := server.NewWebhookDispatcher(rt.Journal, rt.Config.Webhooks, rt.Logger); d != nil {
		g.Go(func() error { return d.Run(ctx) })
	}
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	return g.Wait()
}

// Close releases the stores in reverse order of opening.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
