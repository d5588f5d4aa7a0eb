// Package api serves the compute service HTTP API: token exchange, service
// registration, claims, task heartbeats and reports, and object transfer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/metrics"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/internal/scheduler"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// maxBodySize bounds request bodies. Object uploads are the largest.
const maxBodySize = 64 * 1024 * 1024

// Sweeper is notified of claim and heartbeat traffic so expired claims are
// noticed between scheduled sweeps.
type Sweeper interface {
	Trigger()
}

// Server holds the API's dependencies.
type Server struct {
	store     *taskgraph.Store
	scheduler *scheduler.Scheduler
	objects   objectstore.Store
	auth      *auth.Authenticator

	sweeper  Sweeper
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithSweeper triggers s on claim and heartbeat calls.
func WithSweeper(s Sweeper) Option {
	return func(srv *Server) {
		srv.sweeper = s
	}
}

// WithMetrics records request metrics on m and serves gatherer at /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(srv *Server) {
		srv.metrics = m
		srv.gatherer = gatherer
	}
}

// NewServer creates an API server.
func NewServer(store *taskgraph.Store, sched *scheduler.Scheduler, objects objectstore.Store, authn *auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		store:     store,
		scheduler: sched,
		objects:   objects,
		auth:      authn,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "GET /healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
	s.handle(mux, "POST /token", s.handleToken)

	s.handle(mux, "POST /services/register", s.authed(s.handleRegister))
	s.handle(mux, "POST /services/heartbeat", s.authed(s.handleServiceHeartbeat))
	s.handle(mux, "DELETE /services/{identity}", s.authed(s.handleDeregister))

	s.handle(mux, "POST /claim", s.authed(s.handleClaim))
	s.handle(mux, "GET /tasks/{id}", s.authed(s.handleGetTask))
	s.handle(mux, "GET /tasks/{id}/status", s.authed(s.handleGetStatus))
	s.handle(mux, "POST /tasks/{id}/heartbeat", s.authed(s.handleTaskHeartbeat))
	s.handle(mux, "POST /tasks/{id}/report", s.authed(s.handleReport))

	s.handle(mux, "PUT /objects", s.authed(s.handlePutObject))
	s.handle(mux, "GET /objects/{ref...}", s.authed(s.handleGetObject))

	return mux
}

// handle registers h under pattern, recording per-route metrics.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(sw, r.Body, maxBodySize)

		h(sw, r)

		s.metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(sw.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		if sw.status >= 500 {
			log.Printf("[API] [ERROR] %s %s -> %d", r.Method, r.URL.Path, sw.status)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// authedFunc is a handler that runs with an authenticated caller.
type authedFunc func(w http.ResponseWriter, r *http.Request, p *auth.Principal)

// authed resolves the bearer token before calling h.
func (s *Server) authed(h authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "missing bearer token")
			return
		}
		p, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, err.Error())
				return
			}
			writeInternal(w, err)
			return
		}
		h(w, r, p)
	}
}

func (s *Server) trigger() {
	if s.sweeper != nil {
		s.sweeper.Trigger()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req wire.TokenRequest
	if !decode(w, r, &req) {
		return
	}
	token, ttl, err := s.auth.Issue(r.Context(), req.Identity, req.Key)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			log.Printf("[API] [WARN] Rejected credentials for identity %q", req.Identity)
			writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, err.Error())
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.TokenResponse{Token: token, ExpiresInSeconds: int(ttl.Seconds())})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] [ERROR] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code wire.ErrorCode, msg string) {
	writeJSON(w, status, wire.ErrorResponse{Code: code, Message: msg})
}

func writeInternal(w http.ResponseWriter, err error) {
	log.Printf("[API] [ERROR] %v", err)
	writeError(w, http.StatusInternalServerError, wire.CodeInternal, "internal error")
}

func forbidden(w http.ResponseWriter, format string, args ...any) {
	writeError(w, http.StatusForbidden, wire.CodeForbidden, fmt.Sprintf(format, args...))
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeInvalid, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeStoreError maps task graph and object store errors onto responses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case taskgraph.IsNotFound(err), errors.Is(err, taskgraph.ErrUnknownTask),
		errors.Is(err, taskgraph.ErrUnknownHub), errors.Is(err, objectstore.ErrNotFound):
		writeError(w, http.StatusNotFound, wire.CodeNotFound, notFoundMessage(err))
	case errors.Is(err, taskgraph.ErrInvalidSpec), errors.Is(err, objectstore.ErrInvalidRef):
		writeError(w, http.StatusBadRequest, wire.CodeInvalid, err.Error())
	case errors.Is(err, taskgraph.ErrStructural):
		writeError(w, http.StatusBadRequest, wire.CodeStructural, err.Error())
	case errors.Is(err, taskgraph.ErrBlocked):
		writeError(w, http.StatusConflict, wire.CodeBlocked, err.Error())
	case taskgraph.IsConflict(err):
		writeError(w, http.StatusConflict, wire.CodeConflict, err.Error())
	case errors.Is(err, objectstore.ErrCorrupt):
		log.Printf("[API] [ERROR] %v", err)
		writeError(w, http.StatusInternalServerError, wire.CodeCorrupt, err.Error())
	default:
		writeInternal(w, err)
	}
}

func notFoundMessage(err error) string {
	if taskgraph.IsNotFound(err) {
		return "not found"
	}
	return err.Error()
}
