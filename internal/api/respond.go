package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kalambet/anamnesis/internal/profiler"
	"github.com/kalambet/anamnesis/internal/session"
	"github.com/kalambet/anamnesis/internal/talk"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, profiler.ErrMissingCredential),
		errors.Is(err, profiler.ErrMissingName),
		errors.Is(err, profiler.ErrEmptyMessage),
		errors.Is(err, talk.ErrEmptyMessage),
		errors.Is(err, talk.ErrMissingAPIKey),
		errors.Is(err, talk.ErrMissingScene),
		errors.Is(err, talk.ErrTooFewCharacters):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, talk.ErrNoProfile):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case errors.Is(err, profiler.ErrBusy),
		errors.Is(err, profiler.ErrInvalidTransition),
		errors.Is(err, profiler.ErrDetached),
		errors.Is(err, profiler.ErrClosed):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, profiler.ErrGenerationFailed),
		errors.Is(err, talk.ErrGenerationFailed):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
