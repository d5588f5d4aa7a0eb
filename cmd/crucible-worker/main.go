package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/crucible/internal/client"
	"github.com/dyluth/crucible/internal/engine"
	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/internal/worker"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	configPath := flag.String("config", "", "Path to the worker configuration (CRUCIBLE_* variables override it)")
	flag.Parse()

	cfg, err := worker.LoadConfig(*configPath)
	if err != nil {
		log.Printf("[ERROR] Configuration error: %v", err)
		return exitConfig
	}

	api, err := client.New(cfg.Client)
	if err != nil {
		log.Printf("[ERROR] Failed to create client: %v", err)
		return exitConfig
	}
	engCtx, engCancel := context.WithTimeout(context.Background(), 10*time.Second)
	eng, err := engine.New(engCtx, cfg.Engine)
	engCancel()
	if err != nil {
		log.Printf("[ERROR] Failed to create %s engine: %v", cfg.Engine.Kind, err)
		return exitConfig
	}

	registry, m := metrics.NewRegistry()
	w := worker.New(cfg, api, eng, worker.WithMetrics(m))

	if cfg.HealthPort != 0 {
		healthServer := worker.NewHealthServer(w, cfg.HealthPort, registry)
		healthServer.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthServer.Shutdown(ctx); err != nil {
				log.Printf("[WARN] Health server shutdown: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("[INFO] Worker %s starting against %s (%s engine)", cfg.Client.Identity, cfg.Client.BaseURL, cfg.Engine.Kind)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("[INFO] Received signal: %v, finishing up...", sig)
		cancel()
		err = <-done
	case err = <-done:
	}

	if err != nil {
		log.Printf("[ERROR] Worker failed: %v", err)
		return exitRuntime
	}
	return exitOK
}
