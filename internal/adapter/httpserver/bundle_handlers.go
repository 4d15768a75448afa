package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/adapter/secretstore"
	"github.com/svmbench/platform/internal/domain"
)

// BundleHandler exposes the Secret Store HTTP surface:
// PUT|GET|DELETE /v1/bundles/{ref}, gated by a capability header compared
// with constant-time equality.
type BundleHandler struct {
	Store *secretstore.Store
	Token string
}

// Routes mounts the Secret Store API under r.
func (h *BundleHandler) Routes(r chi.Router) {
	r.Route("/v1/bundles/{ref}", func(r chi.Router) {
		r.Put("/", h.put)
		r.Get("/", h.get)
		r.Delete("/", h.delete)
	})
}

func (h *BundleHandler) authorized(r *http.Request) bool {
	return secretstore.CheckToken(r.Header.Get("X-Secrets-Token"), h.Token)
}

func (h *BundleHandler) put(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, fmt.Errorf("%w: bad secrets token", domain.ErrAuthFailure))
		return
	}
	ref := chi.URLParam(r, "ref")

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
		return
	}
	file, _, err := r.FormFile("bundle")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing bundle field", domain.ErrInvalidArgument))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: err.Error()}})
		return
	}
	if err := h.Store.Put(ref, data); err != nil {
		if errors.Is(err, secretstore.ErrInvalidRef) {
			writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: err.Error()}})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BundleHandler) get(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, fmt.Errorf("%w: bad secrets token", domain.ErrAuthFailure))
		return
	}
	ref := chi.URLParam(r, "ref")

	data, err := h.Store.Get(ref)
	if err != nil {
		if errors.Is(err, secretstore.ErrInvalidRef) {
			observability.RecordSecretBundleRead("invalid_ref")
			writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
			return
		}
		if errors.Is(err, domain.ErrNotFound) {
			observability.RecordSecretBundleRead("not_found")
			writeError(w, err)
			return
		}
		observability.RecordSecretBundleRead("error")
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: err.Error()}})
		return
	}
	observability.RecordSecretBundleRead("served")
	w.Header().Set("Content-Type", "application/x-tar")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *BundleHandler) delete(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, fmt.Errorf("%w: bad secrets token", domain.ErrAuthFailure))
		return
	}
	ref := chi.URLParam(r, "ref")
	if err := h.Store.Delete(ref); err != nil {
		if errors.Is(err, secretstore.ErrInvalidRef) {
			writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: err.Error()}})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
