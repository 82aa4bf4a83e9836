package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/veritas/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps the error taxonomy onto HTTP statuses. Unexpected
// errors are logged under op and reported as 500.
func writeError(w http.ResponseWriter, op string, err error) {
	var perr *apperr.PipelineError
	switch {
	case errors.As(err, &perr):
		slog.Warn(op+" failed",
			slog.String("query_id", perr.QueryID),
			slog.String("stage", perr.Stage),
			slog.String("error", perr.Err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, PipelineErrorResponse{
			Error:    "pipeline failed",
			QueryID:  perr.QueryID,
			Stage:    perr.Stage,
			Attempts: perr.Attempts,
		})
	case errors.Is(err, apperr.ErrInvalidQuery), errors.Is(err, apperr.ErrInvalidMutation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("version conflict"))
	case apperr.IsRetryable(err), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("service unavailable"))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
