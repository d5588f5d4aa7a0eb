package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/internal/scheduler"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
)

func requireCompute(w http.ResponseWriter, p *auth.Principal) bool {
	if p.Kind != auth.KindCompute {
		forbidden(w, "identity %s is not a compute identity", p.Identity)
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	if !requireCompute(w, p) {
		return
	}
	var req wire.RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	scopes := p.Scopes.Restrict(req.Scopes)
	if len(scopes) == 0 {
		forbidden(w, "identity %s is not authorized for any requested scope", p.Identity)
		return
	}
	reg := &taskgraph.ServiceRegistration{
		Identity:          p.Identity,
		Scopes:            scopes,
		Protocols:         req.Protocols,
		ClaimLimit:        req.ClaimLimit,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalSeconds * float64(time.Second)),
	}
	if err := reg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeInvalid, err.Error())
		return
	}
	if err := s.store.RegisterService(r.Context(), reg); err != nil {
		writeStoreError(w, err)
		return
	}

	log.Printf("[API] [INFO] Registered compute service %s (scopes=%v, claim_limit=%d, heartbeat=%v)",
		reg.Identity, reg.Scopes.Strings(), reg.ClaimLimit, reg.HeartbeatInterval)
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleServiceHeartbeat(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	if !requireCompute(w, p) {
		return
	}
	s.trigger()
	if err := s.store.HeartbeatService(r.Context(), p.Identity); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeregister lets a compute service remove itself. User identities may
// remove any registration.
func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	identity := r.PathValue("identity")
	if identity != p.Identity && p.Kind != auth.KindUser {
		forbidden(w, "identity %s cannot deregister %s", p.Identity, identity)
		return
	}
	if err := s.store.DeregisterService(r.Context(), identity); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("[API] [INFO] Deregistered compute service %s", identity)
	w.WriteHeader(http.StatusNoContent)
}

// handleClaim serves a claim for a registered compute service. The request
// is narrowed to the identity's authorized scopes and capped at the
// registered claim limit.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	if !requireCompute(w, p) {
		return
	}
	var req wire.ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	s.trigger()

	reg, err := s.store.GetService(r.Context(), p.Identity)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sreq := scheduler.Request{
		Identity:  p.Identity,
		Scopes:    reg.Scopes.Restrict(req.Scopes),
		Protocols: req.Protocols,
		Limit:     min(req.Limit, reg.ClaimLimit),
	}
	if len(sreq.Protocols) == 0 {
		sreq.Protocols = reg.Protocols
	}
	if err := sreq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeInvalid, err.Error())
		return
	}

	ids := []string{}
	if len(sreq.Scopes) > 0 {
		claimed, err := s.scheduler.Claim(r.Context(), sreq)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		ids = append(ids, claimed...)
	}
	writeJSON(w, http.StatusOK, wire.ClaimResponse{Tasks: ids})
}

// task loads the path's task and checks the caller may see it.
func (s *Server) task(w http.ResponseWriter, r *http.Request, p *auth.Principal) (*taskgraph.Task, bool) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if !p.Scopes.Matches(task.Scope) {
		forbidden(w, "identity %s is not authorized for scope %s", p.Identity, task.Scope)
		return nil, false
	}
	return task, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	task, ok := s.task(w, r, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	task, ok := s.task(w, r, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wire.StatusResponse{ID: task.ID, Status: task.Status})
}

func (s *Server) handleTaskHeartbeat(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	task, ok := s.task(w, r, p)
	if !ok {
		return
	}
	s.trigger()

	if err := s.store.HeartbeatTask(r.Context(), task.ID, p.Identity); err != nil {
		s.metrics.Heartbeats.WithLabelValues("lost").Inc()
		writeStoreError(w, err)
		return
	}
	s.metrics.Heartbeats.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleReport records a claimant's outcome. A result ref must name an
// object already stored for this task under the kind matching the status.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	task, ok := s.task(w, r, p)
	if !ok {
		return
	}
	var req wire.ReportRequest
	if !decode(w, r, &req) {
		return
	}

	if req.ResultRef != "" {
		if err := s.checkResultRef(r.Context(), task, req); err != nil {
			s.metrics.Reports.WithLabelValues(string(req.Status), "invalid").Inc()
			writeError(w, http.StatusBadRequest, wire.CodeInvalid, err.Error())
			return
		}
	}

	err := s.store.Report(r.Context(), task.ID, p.Identity, req.Status, req.ResultRef, req.Reason)
	switch {
	case err == nil:
		s.metrics.Reports.WithLabelValues(string(req.Status), "ok").Inc()
	case taskgraph.IsConflict(err):
		s.metrics.Reports.WithLabelValues(string(req.Status), "conflict").Inc()
		log.Printf("[API] [WARN] Discarded report for task %s from %s: %v", task.ID, p.Identity, err)
		writeStoreError(w, err)
		return
	default:
		s.metrics.Reports.WithLabelValues(string(req.Status), "error").Inc()
		writeStoreError(w, err)
		return
	}

	log.Printf("[API] [INFO] Task %s reported %s by %s", task.ID, req.Status, p.Identity)
	writeJSON(w, http.StatusOK, wire.StatusResponse{ID: task.ID, Status: req.Status})
}

var errRefMismatch = errors.New("result_ref does not belong to this task")

func (s *Server) checkResultRef(ctx context.Context, task *taskgraph.Task, req wire.ReportRequest) error {
	ref := objectstore.Ref(req.ResultRef)
	key, _, err := ref.Parse()
	if err != nil {
		return err
	}
	want := objectstore.KindResults
	if req.Status == taskgraph.StatusError {
		want = objectstore.KindFailures
	}
	if key.TaskID != task.ID || key.Scope != task.Scope || key.Kind != want {
		return errRefMismatch
	}
	exists, err := s.objects.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		return objectstore.ErrNotFound
	}
	return nil
}
