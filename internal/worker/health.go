package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/crucible/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthServer exposes /healthz and /metrics for a running worker.
type HealthServer struct {
	server *http.Server
	worker *Worker
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string `json:"status"`
	State     State  `json:"state"`
	Held      int    `json:"held"`
	Completed int64  `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// NewHealthServer creates a health server for w listening on port on all
// interfaces. gatherer may be nil to omit /metrics.
func NewHealthServer(w *Worker, port int, gatherer prometheus.Gatherer) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		worker: w,
	}

	mux.HandleFunc("/healthz", hs.handleHealthz)
	if gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(gatherer))
	}
	return hs
}

// Start serves in a background goroutine and returns immediately.
func (hs *HealthServer) Start() {
	go func() {
		log.Printf("[Worker] [DEBUG] Health server starting on %s", hs.server.Addr)
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Worker] [ERROR] Health server error: %v", err)
		}
		log.Printf("[Worker] [DEBUG] Health server stopped")
	}()
}

// Shutdown waits for in-flight requests until ctx expires.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// handleHealthz returns 200 while the worker is healthy and 503 otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		State:     hs.worker.State(),
		Held:      hs.worker.Held(),
		Completed: hs.worker.Completed(),
	}
	statusCode := http.StatusOK
	if err := hs.worker.Healthy(); err != nil {
		response.Status = "unhealthy"
		response.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[Worker] [ERROR] Failed to encode health response: %v", err)
	}
}
