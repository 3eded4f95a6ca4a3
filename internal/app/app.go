// Package app wires configuration into the long-lived components each binary runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"jobengine/internal/blob"
	"jobengine/internal/config"
	"jobengine/internal/coord"
	"jobengine/internal/jobs"
	"jobengine/internal/logging"
	"jobengine/internal/registry"
	"jobengine/internal/retention"
	"jobengine/internal/scheduler"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
	"jobengine/internal/worker"
)

// EchoHandlerName is the built-in handler that returns its parameters unchanged.
const EchoHandlerName = "system.echo"

const schedulerLockKey = "jobengine:scheduler:leader"

// App holds the shared components of one process.
type App struct {
	Config    config.Config
	Log       logr.Logger
	Store     store.Store
	Blobs     blob.Store
	Redis     *redis.Client
	Notifier  *coord.Notifier
	Registry  *registry.Registry
	Jobs      *jobs.Service
	Retention *retention.Cleaner

	closers []func()
}

// New opens the store (running migrations), artifact storage and the optional Redis
// client, and registers the built-in handlers.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, syncLog, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, closers: []func(){syncLog}}

	st, err := openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, func() { _ = st.Close() })
	if err := st.RunMigrations(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a.Blobs, err = blob.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("artifact storage: %w", err)
	}

	var jobOpts []jobs.Option
	if client := coord.NewClient(cfg); client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Redis = client
		a.Notifier = coord.NewNotifier(client)
		a.closers = append(a.closers, func() { _ = client.Close() })
		jobOpts = append(jobOpts, jobs.WithNotifier(a.Notifier))
	}

	a.Jobs = jobs.NewService(st, a.Blobs, log, jobOpts...)
	a.Retention = retention.NewCleaner(st, a.Blobs, cfg.RetentionPeriod, log)
	a.Registry = registry.New()
	a.Registry.Register(EchoHandlerName, echo)
	a.Registry.Register(retention.HandlerName, a.Retention.Handler())

	log.Info("app initialised", "env", cfg.Env, "store", cfg.StoreDriver,
		"artifacts", cfg.ArtifactBackend, "redis", a.Redis != nil)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	opts := []store.Option{store.WithDefaults(cfg.DefaultQueue, cfg.DefaultMaxAttempts)}
	switch cfg.StoreDriver {
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func echo(_ context.Context, inv registry.Invocation) (any, error) {
	return inv.Parameters, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Worker builds the processor, waking on Redis hints when Redis is configured.
func (a *App) Worker() *worker.Processor {
	var opts []worker.Option
	if a.Notifier != nil {
		opts = append(opts, worker.WithWaker(a.Notifier))
	}
	return worker.NewProcessor(a.Config, a.Store, a.Jobs, a.Registry, a.Log, opts...)
}

// Scheduler builds the recurrence scheduler. With Redis configured and a non-empty
// owner, only the holder of the leader lock sweeps.
func (a *App) Scheduler(owner string) *scheduler.Scheduler {
	opts := []scheduler.Option{scheduler.WithInterval(a.Config.SchedulerInterval)}
	if a.Notifier != nil {
		opts = append(opts, scheduler.WithNotifier(a.Notifier))
	}
	if a.Redis != nil && owner != "" {
		opts = append(opts, scheduler.WithLock(coord.NewLock(a.Redis, schedulerLockKey, owner, a.Config.SchedulerLockTTL)))
	}
	return scheduler.New(a.Store, a.Log, opts...)
}

// EnsureMaintenance creates the retention definition unless it already exists.
func (a *App) EnsureMaintenance(ctx context.Context) error {
	if a.Config.RetentionSchedule == "" {
		return nil
	}
	def := retention.Definition(a.Config.RetentionSchedule, a.Config.DefaultQueue)
	if err := a.Jobs.EnsureDefinition(ctx, def); err != nil {
		return fmt.Errorf("ensure retention definition: %w", err)
	}
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log logr.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// MetricsServer exposes /metrics on addr.
func MetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
