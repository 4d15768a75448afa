package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/svmbench/platform/internal/domain"
	"github.com/svmbench/platform/internal/usecase"
)

// ResultHandler exposes the Result Service HTTP surface:
// POST /v1/results with X-Results-Token.
type ResultHandler struct {
	Service     *usecase.ResultService
	TokenHeader string // defaults to "X-Results-Token"
}

func (h *ResultHandler) tokenHeader() string {
	if h.TokenHeader == "" {
		return "X-Results-Token"
	}
	return h.TokenHeader
}

// Routes mounts the Result Service API under r.
func (h *ResultHandler) Routes(r chi.Router) {
	r.Post("/v1/results", h.postResult)
}

type postResultBody struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Report string `json:"report"`
	Error  string `json:"error"`
}

func (h *ResultHandler) postResult(w http.ResponseWriter, r *http.Request) {
	var body postResultBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
		return
	}
	token := r.Header.Get(h.tokenHeader())

	err := h.Service.PostResult(r.Context(), usecase.PostResultRequest{
		JobID:  body.JobID,
		Status: body.Status,
		Report: body.Report,
		Error:  body.Error,
	}, token)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
