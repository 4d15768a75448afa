// Package usecase contains the application business logic for the job
// execution platform: admission, result ingestion, and the reaper sweep.
package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/svmbench/platform/internal/adapter/archive"
	"github.com/svmbench/platform/internal/adapter/crypto"
	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/domain"
)

// AdmissionService implements the admission flow: validate
// the upload, resolve the outbound credential, mint job secrets, write the
// bundle and the Job row, and publish the broker message, compensating on
// publish failure.
type AdmissionService struct {
	Jobs    domain.JobRepository
	Secrets domain.SecretStore
	Queue   domain.Publisher

	AllowedModels map[string]bool
	AuthEnabled   bool

	ZipOptions archive.ValidationOptions

	// Credential resolution configuration.
	UseProxyStatic   bool
	BackendKeyMode   string // "direct" | "proxy"
	BackendStaticKey string
	ProxySharedKey   string // shared secret the proxy also derives from
	Provider         string

	// LivenessCheckURL, when non-empty, is probed with the caller's key
	// before admission when a user-supplied key is present, no static key
	// is configured, and the mode is not proxy-static.
	LivenessCheckURL string
	HTTPClient       *http.Client
}

// StartJobRequest carries the validated admission request.
type StartJobRequest struct {
	UserID      string
	Model       string
	FileName    string
	FileBytes   []byte
	OpenAIKey   string
	LivenessCtx domain.Context
}

// StartJobResult is returned on successful admission.
type StartJobResult struct {
	JobID  string
	Status domain.JobStatus
}

// maxFileNameLen bounds the stored upload name; longer names are truncated,
// never rejected.
const maxFileNameLen = 255

func randHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// resolveKey chooses the worker-bundled credential and key_mode per the
// configured backend/proxy wiring. A configured BackendStaticKey always
// wins over a caller-supplied key: the static key is an explicit operator
// decision, not a fallback.
func (s *AdmissionService) resolveKey(userKey string) (token, keyMode string, err error) {
	if s.UseProxyStatic {
		return domain.StaticKeyMarker, string(domain.KeyModeProxyStatic), nil
	}
	key := s.BackendStaticKey
	if key == "" {
		key = userKey
	}
	switch s.BackendKeyMode {
	case string(domain.KeyModeProxy):
		enc, err := crypto.Encrypt(key, crypto.DeriveKey(s.ProxySharedKey))
		if err != nil {
			return "", "", fmt.Errorf("op=admission.resolveKey: %w", err)
		}
		return enc, string(domain.KeyModeProxy), nil
	default: // "direct": legacy plaintext emission, gated by explicit config
		return key, string(domain.KeyModeDirect), nil
	}
}

// checkLiveness probes the upstream credential endpoint with the caller's
// key. It is only invoked when a user-supplied key is present, no static
// key is configured, and the mode is not proxy-static.
func (s *AdmissionService) checkLiveness(ctx domain.Context, key string) error {
	if s.LivenessCheckURL == "" || key == "" {
		return nil
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.LivenessCheckURL, nil)
	if err != nil {
		return fmt.Errorf("op=admission.checkLiveness: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: unable to reach upstream credential endpoint", domain.ErrPrecondition)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: invalid credentials", domain.ErrPrecondition)
	}
	return nil
}

// StartJob admits a job: validates the upload, resolves the outbound
// credential, stores the secret bundle, persists the Job row, and publishes
// the broker message.
func (s *AdmissionService) StartJob(ctx domain.Context, req StartJobRequest) (StartJobResult, error) {
	if s.AuthEnabled {
		if _, active, err := s.Jobs.FindActiveForUser(ctx, req.UserID); err != nil {
			return StartJobResult{}, fmt.Errorf("op=admission.StartJob.find_active: %w", err)
		} else if active {
			return StartJobResult{}, fmt.Errorf("%w: user already has an active job", domain.ErrConflict)
		}
	}

	if !s.AllowedModels[req.Model] {
		return StartJobResult{}, fmt.Errorf("%w: model %q is not allowed", domain.ErrAuthFailure, req.Model)
	}

	if !archive.SniffIsZip(req.FileBytes[:min(512, len(req.FileBytes))]) {
		return StartJobResult{}, fmt.Errorf("%w: upload does not look like a zip archive", domain.ErrPrecondition)
	}
	reader := newBytesReaderAt(req.FileBytes)
	if err := archive.ValidateUploadZip(reader, int64(len(req.FileBytes)), s.ZipOptions); err != nil {
		return StartJobResult{}, fmt.Errorf("%w: %s", domain.ErrPrecondition, err)
	}

	resolvedKey := s.BackendStaticKey
	if resolvedKey == "" {
		resolvedKey = req.OpenAIKey
	}
	if !s.UseProxyStatic && resolvedKey == "" {
		return StartJobResult{}, fmt.Errorf("%w: openai_key is required", domain.ErrPrecondition)
	}

	// The liveness probe only applies to a caller-supplied key that will
	// actually be used; with a configured static key the caller's key is
	// ignored, so there is nothing to validate.
	if req.OpenAIKey != "" && !s.UseProxyStatic && s.BackendStaticKey == "" {
		if err := s.checkLiveness(req.LivenessCtx, req.OpenAIKey); err != nil {
			return StartJobResult{}, err
		}
	}

	token, keyMode, err := s.resolveKey(req.OpenAIKey)
	if err != nil {
		return StartJobResult{}, err
	}

	jobID := uuid.New().String()
	secretRef, err := randHex(32)
	if err != nil {
		return StartJobResult{}, fmt.Errorf("op=admission.StartJob.secret_ref: %w", err)
	}
	resultToken, err := randHex(32)
	if err != nil {
		return StartJobResult{}, fmt.Errorf("op=admission.StartJob.result_token: %w", err)
	}

	bundle, err := archive.BuildSecretBundle(req.FileBytes, token, keyMode, s.Provider)
	if err != nil {
		return StartJobResult{}, fmt.Errorf("op=admission.StartJob.build_bundle: %w", err)
	}

	if err := s.Secrets.Put(ctx, secretRef, bundle); err != nil {
		return StartJobResult{}, fmt.Errorf("op=admission.StartJob.put_bundle: %w", err)
	}

	fileName := req.FileName
	if len(fileName) > maxFileNameLen {
		fileName = fileName[:maxFileNameLen]
	}

	secretRefCopy := secretRef
	job := domain.Job{
		ID:          jobID,
		UserID:      req.UserID,
		Model:       req.Model,
		FileName:    fileName,
		SecretRef:   &secretRefCopy,
		ResultToken: resultToken,
	}
	if err := s.Jobs.CreateQueued(ctx, job); err != nil {
		_ = s.Secrets.Delete(ctx, secretRef)
		return StartJobResult{}, fmt.Errorf("op=admission.StartJob.create_job: %w", err)
	}

	msg := domain.JobMessage{
		Type:        domain.JobMessageType,
		JobID:       jobID,
		SecretRef:   secretRef,
		Model:       req.Model,
		ResultToken: resultToken,
	}
	if err := s.Queue.PublishJobStart(ctx, msg); err != nil {
		// Compensate in a fixed order: delete the
		// bundle first (best effort), then the Job row, so we never leave
		// a dangling queued Job with no broker message.
		slog.Error("publish failed, compensating", slog.String("job_id", jobID), slog.Any("error", err))
		_ = s.Secrets.Delete(ctx, secretRef)
		if derr := s.Jobs.Delete(ctx, jobID); derr != nil {
			slog.Error("compensation delete failed", slog.String("job_id", jobID), slog.Any("error", derr))
		}
		return StartJobResult{}, fmt.Errorf("op=admission.StartJob.publish: %w", domain.ErrEnqueueFailed)
	}

	observability.RecordAdmitted(req.Model)
	slog.Info("job admitted", slog.String("job_id", jobID), slog.String("model", req.Model))
	return StartJobResult{JobID: jobID, Status: domain.JobQueued}, nil
}

// JobView is the shape returned by GetJob, carrying the live queue
// position when applicable.
type JobView struct {
	Job           domain.Job
	QueuePosition *int
}

// GetJob loads a job by id honoring the public/ownership visibility rule,
// computing its live queue position.
func (s *AdmissionService) GetJob(ctx domain.Context, id, userID string) (JobView, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	if !j.Public && s.AuthEnabled && j.UserID != userID {
		return JobView{}, fmt.Errorf("op=admission.GetJob: %w", domain.ErrNotFound)
	}
	pos, err := s.Jobs.QueuePosition(ctx, j)
	if err != nil {
		return JobView{}, fmt.Errorf("op=admission.GetJob.queue_position: %w", err)
	}
	return JobView{Job: j, QueuePosition: pos}, nil
}

// SetPublic flips a job's public flag; only the owning user may do so.
func (s *AdmissionService) SetPublic(ctx domain.Context, id, userID string, public bool) (domain.Job, error) {
	return s.Jobs.SetPublic(ctx, id, userID, public)
}

// History returns a user's jobs, newest first.
func (s *AdmissionService) History(ctx domain.Context, userID string) ([]domain.Job, error) {
	return s.Jobs.ListHistory(ctx, userID)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// bytesReaderAt adapts a byte slice to io.ReaderAt for archive/zip.
type bytesReaderAt struct{ b []byte }

func newBytesReaderAt(b []byte) *bytesReaderAt { return &bytesReaderAt{b: b} }

func (r *bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
