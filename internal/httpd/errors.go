package httpd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/wtsi-hgi/irobot-precache/internal/precache"
)

// errorBody is the JSON shape of every 4xx/5xx response (spec section
// 6).
type errorBody struct {
	Status      int    `json:"status"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, reason, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Status: status, Reason: reason, Description: description}); err != nil {
		s.log.Warn("encoding error body", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.ObserveError(strconv.Itoa(status))
	}
}

// writeError projects a Precache Manager error onto the HTTP status
// codes of spec section 7's error-kind table.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, precache.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, precache.ErrForbidden):
		s.writeJSONError(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, precache.ErrPrecacheFull):
		s.writeJSONError(w, http.StatusInsufficientStorage, "PrecacheFull", err.Error())
	case errors.Is(err, precache.ErrInUse):
		s.writeJSONError(w, http.StatusConflict, "InUse", err.Error())
	case errors.Is(err, precache.ErrUpstreamError):
		s.writeJSONError(w, http.StatusBadGateway, "UpstreamError", err.Error())
	default:
		s.log.Error("unprojected manager error", zap.Error(err))
		s.writeJSONError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func (s *Server) writeDeadline(w http.ResponseWriter) {
	s.writeJSONError(w, http.StatusGatewayTimeout, "Deadline", "request exceeded the configured timeout")
}
