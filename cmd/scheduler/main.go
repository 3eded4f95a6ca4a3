package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
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

	if err := a.EnsureMaintenance(ctx); err != nil {
		a.Log.Error(err, "maintenance definition")
	}

	host, _ := os.Hostname()
	owner := fmt.Sprintf("scheduler-%s-%s", host, uuid.New().String()[:8])
	sched := a.Scheduler(owner)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, app.MetricsServer(cfg.MetricsAddr), a.Log) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Error(err, "scheduler stopped")
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("scheduler stopped")
}
