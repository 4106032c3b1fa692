package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/playversus/arena/internal/game"
	"github.com/playversus/arena/internal/ledger"
	"github.com/playversus/arena/internal/metrics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// writeGameError maps domain errors onto the HTTP error taxonomy. Every
// rejected action counts against its reason code.
func writeGameError(w http.ResponseWriter, met *metrics.Metrics, err error) {
	switch {
	case errors.Is(err, game.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, game.ErrConflict):
		writeError(w, http.StatusConflict, "busy", "session busy, retry")
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", "balance service unavailable")
	default:
		if code, ok := game.RejectionCode(err); ok {
			if met != nil {
				met.ActionRejections.WithLabelValues(code).Inc()
			}
			status := http.StatusConflict
			if code == game.ReasonBadPayload {
				status = http.StatusBadRequest
			}
			writeError(w, status, code, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
