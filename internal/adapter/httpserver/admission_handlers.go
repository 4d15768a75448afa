package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/svmbench/platform/internal/domain"
	"github.com/svmbench/platform/internal/usecase"
)

// AdmissionHandler wires the Admission HTTP surface onto an
// AdmissionService.
type AdmissionHandler struct {
	Service     *usecase.AdmissionService
	MaxUploadMB int64
}

// UserIDHeader carries the caller's tenant id. Identity issuance (OAuth
// callback, session cookie) happens outside this service; any front door
// terminating user sessions is expected to set this header after verifying
// the caller.
const UserIDHeader = "X-User-Id"

func userIDFrom(r *http.Request) string {
	return r.Header.Get(UserIDHeader)
}

// Routes mounts the Admission API under r.
func (h *AdmissionHandler) Routes(r chi.Router) {
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/start", h.startJob)
		r.Get("/history", h.history)
		r.Get("/{id}", h.getJob)
		r.Patch("/{id}", h.patchJob)
	})
}

const maxMemoryMultipart = 32 << 20 // buffer threshold before multipart spills to temp files

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// startJobForm mirrors the validated fields of the start-job multipart form.
type startJobForm struct {
	Model     string `validate:"required"`
	OpenAIKey string `validate:"omitempty,max=512"`
}

func (h *AdmissionHandler) startJob(w http.ResponseWriter, r *http.Request) {
	if h.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadMB<<20)
	}
	if err := r.ParseMultipartForm(maxMemoryMultipart); err != nil {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrPrecondition, err))
		return
	}

	form := startJobForm{Model: r.FormValue("model"), OpenAIKey: r.FormValue("openai_key")}
	if err := getValidator().Struct(form); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			writeError(w, fmt.Errorf("%w: invalid form field(s): %s", domain.ErrInvalidArgument, strings.Join(fields, ",")))
			return
		}
		writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
		return
	}
	model := form.Model
	openaiKey := form.OpenAIKey

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file", domain.ErrInvalidArgument))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
		return
	}

	res, err := h.Service.StartJob(r.Context(), usecase.StartJobRequest{
		UserID:      userIDFrom(r),
		Model:       model,
		FileName:    header.Filename,
		FileBytes:   data,
		OpenAIKey:   openaiKey,
		LivenessCtx: r.Context(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": res.JobID, "status": string(res.Status)})
}

type jobResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Model         string         `json:"model"`
	FileName      string         `json:"file_name"`
	Result        *domain.Report `json:"result,omitempty"`
	ResultError   *string        `json:"result_error,omitempty"`
	Public        bool           `json:"public"`
	QueuePosition *int           `json:"queue_position"`
	CreatedAt     string         `json:"created_at"`
}

func toJobResponse(v usecase.JobView) jobResponse {
	j := v.Job
	return jobResponse{
		ID:            j.ID,
		Status:        string(j.Status),
		Model:         j.Model,
		FileName:      j.FileName,
		Result:        j.Result,
		ResultError:   j.ResultError,
		Public:        j.Public,
		QueuePosition: v.QueuePosition,
		CreatedAt:     j.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func (h *AdmissionHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.Service.GetJob(r.Context(), id, userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(view))
}

type patchJobRequest struct {
	Public bool `json:"public"`
}

func (h *AdmissionHandler) patchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body patchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err))
		return
	}
	job, err := h.Service.SetPublic(r.Context(), id, userIDFrom(r), body.Public)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(usecase.JobView{Job: job}))
}

func (h *AdmissionHandler) history(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Service.History(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(usecase.JobView{Job: j}))
	}
	writeJSON(w, http.StatusOK, out)
}
