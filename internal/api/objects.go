package api

import (
	"log"
	"net/http"

	"github.com/dyluth/crucible/internal/auth"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/pkg/scope"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
)

// handlePutObject stores a payload. Results and failures are filed under
// their task's scope and only accepted from the task's current claimant;
// inputs are filed under the requested scope.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req wire.PutObjectRequest
	if !decode(w, r, &req) {
		return
	}
	kind := objectstore.Kind(req.Kind)
	if err := kind.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeInvalid, err.Error())
		return
	}

	var sc scope.Scope
	if kind == objectstore.KindInputs {
		sc = req.Scope
	} else {
		task, err := s.store.GetTask(r.Context(), req.Task)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if task.Claim == nil || task.Claim.Claimant != p.Identity {
			writeStoreError(w, &taskgraph.ConflictError{
				TaskID:   task.ID,
				Op:       "put " + req.Kind,
				Expected: "running by " + p.Identity,
				Actual:   string(task.Status),
			})
			return
		}
		sc = task.Scope
	}
	if !p.Scopes.Matches(sc) {
		forbidden(w, "identity %s is not authorized for scope %s", p.Identity, sc)
		return
	}

	ref, err := s.objects.Put(r.Context(), objectstore.Key{Scope: sc, TaskID: req.Task, Kind: kind}, req.Data)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("[API] [DEBUG] Stored %s (%d bytes)", ref, len(req.Data))
	writeJSON(w, http.StatusOK, wire.PutObjectResponse{Ref: ref.String()})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	ref := objectstore.Ref(r.PathValue("ref"))
	key, _, err := ref.Parse()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !p.Scopes.Matches(key.Scope) {
		forbidden(w, "identity %s is not authorized for scope %s", p.Identity, key.Scope)
		return
	}

	data, err := s.objects.Get(r.Context(), ref)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("[API] [WARN] Failed to write object %s: %v", ref, err)
	}
}
