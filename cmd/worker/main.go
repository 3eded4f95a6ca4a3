package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"jobengine/internal/app"
	"jobengine/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	defer a.Close()

	processor := a.Worker()
	a.Log.Info("registered handlers", "handlers", a.Registry.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, app.MetricsServer(cfg.MetricsAddr), a.Log) })
	if cfg.EmbedScheduler {
		if err := a.EnsureMaintenance(ctx); err != nil {
			a.Log.Error(err, "maintenance definition")
		}
		sched := a.Scheduler(processor.ID())
		g.Go(func() error { return sched.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Error(err, "worker stopped")
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("worker stopped")
}
