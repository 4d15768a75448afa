package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/svmbench/platform/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP status codes and
// writes a JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrAuthFailure):
		status, code = http.StatusUnauthorized, "AUTH_FAILURE"
	case errors.Is(err, domain.ErrPrecondition):
		status, code = http.StatusPreconditionFailed, "PRECONDITION_FAILED"
	case errors.Is(err, domain.ErrEnqueueFailed):
		status, code = http.StatusBadGateway, "ENQUEUE_FAILED"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error()}})
}
