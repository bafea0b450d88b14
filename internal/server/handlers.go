package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Backland-Labs/conductor/internal/orchestrator"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/stream"
)

const maxBodyBytes = 1 << 20

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.respondWithJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   "conductor",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) createRunHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	var req CreateRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	params := orchestrator.CreateRunParams{
		OwnerID:      owner,
		Assistant:    req.Assistant,
		Thread:       req.Thread,
		Model:        req.Model,
		Instructions: req.Instructions,
		Tools:        req.Tools,
	}

	if !req.Stream {
		created, err := s.orch.CreateRun(r.Context(), params)
		if err != nil {
			s.respondWithDomainError(w, r, err)
			return
		}
		s.respondWithJSON(w, http.StatusCreated, created)
		return
	}

	// Subscribe first so the created and queued events reach this client.
	params.ID = run.NewID("run")
	sub, err := s.orch.OpenEvents(r.Context(), params.ID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	if _, err := s.orch.CreateRun(r.Context(), params); err != nil {
		_ = sub.Close()
		s.respondWithDomainError(w, r, err)
		return
	}
	s.serve(r.Context(), w, params.ID, sub)
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	found, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	s.respondWithJSON(w, http.StatusOK, found)
}

func (s *Server) deleteRunHandler(w http.ResponseWriter, r *http.Request) {
	found, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	if err := s.orch.DeleteRun(r.Context(), found.ID); err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, DeleteRunResponse{ID: found.ID, Object: "thread.run.deleted", Deleted: true})
}

func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	found, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	cancelled, err := s.orch.RequestCancel(r.Context(), found.ID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, cancelled)
}

func (s *Server) submitToolOutputsHandler(w http.ResponseWriter, r *http.Request) {
	found, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	var req SubmitToolOutputsRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !req.Stream {
		resumed, err := s.orch.SubmitToolOutputs(r.Context(), found.ID, req.ToolOutputs)
		if err != nil {
			s.respondWithDomainError(w, r, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, resumed)
		return
	}

	sub, err := s.orch.OpenEvents(r.Context(), found.ID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	if _, err := s.orch.SubmitToolOutputs(r.Context(), found.ID, req.ToolOutputs); err != nil {
		_ = sub.Close()
		s.respondWithDomainError(w, r, err)
		return
	}
	s.serve(r.Context(), w, found.ID, sub)
}

func (s *Server) runEventsHandler(w http.ResponseWriter, r *http.Request) {
	found, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	sw := &streamWriter{ResponseWriter: w}
	err := s.orch.SubscribeToRunEvents(r.Context(), found.ID, sw)
	if err == nil {
		return
	}
	if !sw.started {
		s.respondWithDomainError(w, r, err)
		return
	}
	s.logStreamEnd(found.ID, err)
}

func (s *Server) serve(ctx context.Context, w http.ResponseWriter, runID string, sub *stream.Subscription) {
	if err := sub.Serve(ctx, w); err != nil {
		s.logStreamEnd(runID, err)
	}
}

func (s *Server) logStreamEnd(runID string, err error) {
	log := s.log.WithRun(runID).WithError(err)
	if errors.Is(err, context.Canceled) {
		log.Debug("Client closed event stream")
		return
	}
	log.Warn("Event stream ended early")
}

// requireOwner reads the caller's owner id.
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		s.respondWithError(w, http.StatusUnauthorized, ownerHeader+" header is required")
		return "", false
	}
	return owner, true
}

// loadOwned loads the run named in the path. Runs of other owners are reported
// as not found.
func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request) (*run.Run, bool) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return nil, false
	}
	id := chi.URLParam(r, "id")
	found, err := s.orch.GetRun(r.Context(), id)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return nil, false
	}
	if found.OwnerID != owner {
		s.respondWithDomainError(w, r, run.ErrNotFound)
		return nil, false
	}
	return found, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// streamWriter records whether a response was started so a failed subscription
// can still be answered with a JSON error.
type streamWriter struct {
	http.ResponseWriter
	started bool
}

func (w *streamWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *streamWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
