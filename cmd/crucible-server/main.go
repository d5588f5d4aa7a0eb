package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/dyluth/crucible/internal/api"
	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/liveness"
	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/internal/scheduler"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/redis/go-redis/v9"
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
func run() int {
	configPath := flag.String("config", "crucible.yml", "Path to the server configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[ERROR] Configuration error: %v", err)
		return exitConfig
	}

	rdb := redis.NewClient(cfg.RedisOptions())
	store, err := taskgraph.NewStore(rdb, cfg.Redis.Namespace)
	if err != nil {
		log.Printf("[ERROR] Failed to create task graph store: %v", err)
		return exitConfig
	}
	defer func() {
		log.Printf("[DEBUG] Closing Redis client...")
		if err := store.Close(); err != nil {
			log.Printf("[ERROR] Error closing Redis client: %v", err)
		}
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Printf("[ERROR] Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
		return exitRuntime
	}
	log.Printf("[INFO] Connected to Redis at %s (namespace %s)", cfg.Redis.Addr, cfg.Redis.Namespace)

	objects, err := cfg.OpenObjects(rdb)
	if err != nil {
		log.Printf("[ERROR] Failed to open object store: %v", err)
		return exitConfig
	}

	authn, err := auth.NewAuthenticator(rdb, cfg.Redis.Namespace, cfg.Auth.Identities, cfg.Auth.TokenTTL)
	if err != nil {
		log.Printf("[ERROR] Invalid identities: %v", err)
		return exitConfig
	}

	registry, m := metrics.NewRegistry()
	monitor := liveness.New(store, cfg.LivenessSettings(), liveness.WithMetrics(m))
	sched := scheduler.New(store, scheduler.WithMetrics(m))
	server := api.NewServer(store, sched, objects, authn,
		api.WithSweeper(monitor), api.WithMetrics(m, registry))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS != nil {
		opts := tlsconfig.Options{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, CAFile: cfg.TLS.CAFile}
		if cfg.TLS.CAFile != "" {
			opts.ClientAuth = tls.RequireAndVerifyClientCert
		}
		tlsCfg, err := tlsconfig.Server(opts)
		if err != nil {
			log.Printf("[ERROR] Invalid TLS configuration: %v", err)
			return exitConfig
		}
		httpServer.TLSConfig = tlsCfg
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- monitor.Run(runCtx)
	}()

	serveDone := make(chan error, 1)
	go func() {
		log.Printf("[INFO] API listening on %s", cfg.Listen)
		if httpServer.TLSConfig != nil {
			serveDone <- httpServer.ListenAndServeTLS("", "")
		} else {
			serveDone <- httpServer.ListenAndServe()
		}
	}()

	code := exitOK
	select {
	case sig := <-sigChan:
		log.Printf("[INFO] Received signal: %v", sig)
	case err := <-serveDone:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] API server failed: %v", err)
			code = exitRuntime
		}
	case err := <-monitorDone:
		log.Printf("[ERROR] Liveness monitor stopped: %v", err)
		code = exitRuntime
	}

	log.Printf("[INFO] Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] API shutdown: %v", err)
	}
	runCancel()

	log.Printf("[INFO] Server stopped")
	return code
}
