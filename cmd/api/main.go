package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	api "jobengine/internal/api"
	"jobengine/internal/app"
	"jobengine/internal/config"
	"jobengine/internal/ratelimit"
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

	limiter := ratelimit.New(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	server := api.New(a.Jobs, limiter, cfg.DefaultQueue, a.Log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := app.Serve(ctx, httpServer, a.Log); err != nil {
		a.Log.Error(err, "api server stopped")
		a.Close()
		os.Exit(1)
	}
}
