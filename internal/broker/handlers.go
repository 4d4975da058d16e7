package broker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/netosc/internal/envelope"
	"github.com/nerrad567/netosc/internal/journal"
)

// apiError is a structured error response.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	errCodeBadRequest = "bad_request"
	errCodeNotFound   = "not_found"
	errCodeInternal   = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Status: status, Code: code, Message: message})
}

// handleHealth returns broker liveness, relay counters and the status of
// each enabled adapter. Any failing adapter makes the broker "degraded"
// and the response 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks, err := CheckHealth(r.Context(), s.checks)
	if err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		s.logger.Warn("health check failed", "error", err)
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"connections":    s.hub.ConnectionCount(),
		"relay":          s.relay.Stats(),
		"checks":         checks,
	})
}

// handleState returns the latest state snapshot in its wire form.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	data, err := envelope.Encode(s.relay.Snapshot())
	if err != nil {
		s.logger.Error("encoding state snapshot", "error", err)
		writeError(w, http.StatusInternalServerError, errCodeInternal, "encoding state failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(data)
}

// handleListSessions pages through the session journal.
//
// Query parameters: client_id, active=true, limit, offset.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, errCodeNotFound, "session journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		ClientID:   q.Get("client_id"),
		ActiveOnly: q.Get("active") == "true",
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "offset must be a non-negative integer")
		return
	}

	result, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusInternalServerError, errCodeInternal, "listing sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
