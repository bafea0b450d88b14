package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Backland-Labs/conductor/internal/bridge"
	"github.com/Backland-Labs/conductor/internal/run"
)

const (
	contentTypeJSON = "application/json"
	msgInternal     = "Internal server error"
)

// statusFor maps a domain error to its HTTP status. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, run.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, run.ErrNotCancellable),
		errors.Is(err, run.ErrInvalidTransition),
		errors.Is(err, run.ErrTerminal),
		errors.Is(err, run.ErrNoPendingAction),
		errors.Is(err, bridge.ErrNoWaiter):
		return http.StatusConflict
	case errors.Is(err, run.ErrUnknownToolCall),
		errors.Is(err, bridge.ErrEmptySubmission),
		errors.Is(err, run.ErrEmptyOwnerID),
		errors.Is(err, run.ErrEmptyID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondWithDomainError writes err with its mapped status. Server errors are
// logged and replaced by a generic message.
func (s *Server) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		s.respondWithError(w, status, msgInternal)
		return
	}
	s.respondWithError(w, status, err.Error())
}

// respondWithError sends a JSON error response with the specified status code
func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.log.WithFields(map[string]interface{}{
		"status_code":   statusCode,
		"error_message": message,
	}).Debug("Sending error response")
	s.respondWithJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}
