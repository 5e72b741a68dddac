package server

import (
	"encoding/json"
	"net/http"

	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/security"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrSessionNotFound), errors.Is(err, errors.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrSnapshotPending):
		return http.StatusAccepted
	case errors.Is(err, errors.ErrNoEngine),
		errors.Is(err, errors.ErrNotReady),
		errors.Is(err, errors.ErrEngineAttached),
		errors.Is(err, errors.ErrSnapshotBusy),
		errors.Is(err, errors.ErrRestoreInProgress):
		return http.StatusConflict
	case errors.Is(err, security.ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("http_request_failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Info("http_request_rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}
