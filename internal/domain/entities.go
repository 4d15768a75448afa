// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAuthFailure     = errors.New("auth failure")
	ErrPrecondition    = errors.New("precondition failed")
	ErrEnqueueFailed   = errors.New("enqueue failed")
	ErrInternal        = errors.New("internal error")
)

// JobStatus captures the lifecycle state of a job. Transitions are monotone:
// queued -> running -> {succeeded, failed}, or queued -> failed directly.
type JobStatus string

// Job status values.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// KeyMode selects how the worker's bundled credential must be interpreted.
type KeyMode string

// Key mode values.
const (
	KeyModeDirect      KeyMode = "direct"
	KeyModeProxy       KeyMode = "proxy"
	KeyModeProxyStatic KeyMode = "proxy_static"
)

// StaticKeyMarker is the literal token the worker carries in proxy_static
// mode; the proxy substitutes the real credential and the worker never
// observes it.
const StaticKeyMarker = "STATIC"

// Job is the persisted, primary entity of the platform.
//
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=Publisher --with-expecter --filename=publisher_mock.go
//go:generate mockery --name=SecretStore --with-expecter --filename=secretstore_mock.go
//go:generate mockery --name=Backend --with-expecter --filename=backend_mock.go
type Job struct {
	ID               string
	Status           JobStatus
	UserID           string
	Model            string
	FileName         string
	SecretRef        *string
	ResultToken      string
	Result           *Report
	ResultError      *string
	ResultReceivedAt *time.Time
	Public           bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Severity is the normalized vulnerability severity enum.
type Severity string

// Severity values.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// CodeLocation pins a finding to a region of a source file.
type CodeLocation struct {
	File      string `json:"file"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Desc      string `json:"desc"`
}

// Vulnerability is a single finding inside a Report.
type Vulnerability struct {
	Title          string         `json:"title"`
	Severity       Severity       `json:"severity"`
	Summary        string         `json:"summary,omitempty"`
	Description    []CodeLocation `json:"description,omitempty"`
	Impact         string         `json:"impact,omitempty"`
	ProofOfConcept string         `json:"proof_of_concept,omitempty"`
	Remediation    string         `json:"remediation,omitempty"`
}

// Report is the structured agent result attached to a succeeded Job.
type Report struct {
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// JobMessage is the broker payload published by Admission and consumed by
// the Instancer.
type JobMessage struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id"`
	SecretRef   string `json:"secret_ref"`
	Model       string `json:"model"`
	ResultToken string `json:"result_token"`
}

// JobMessageType is the only JobMessage.Type value the Instancer accepts.
const JobMessageType = "job.start"

// Context aliases context.Context so domain ports read naturally without
// repeating the standard package name in every signature.
type Context = context.Context

// JobRepository is the persistence port owning the Job row lifecycle.
// Implementations must apply CAS semantics: transitions only succeed when
// the current status is a member of the allowed prefix set.
type JobRepository interface {
	// CreateQueued inserts a new Job row with status queued.
	CreateQueued(ctx Context, j Job) error
	// Get loads a Job by id.
	Get(ctx Context, id string) (Job, error)
	// Delete removes a Job row outright (admission compensation path only).
	Delete(ctx Context, id string) error
	// FindActiveForUser returns the id of a queued/running Job owned by
	// user, if any.
	FindActiveForUser(ctx Context, userID string) (string, bool, error)
	// ListHistory returns a user's jobs ordered by created_at desc, id desc.
	ListHistory(ctx Context, userID string) ([]Job, error)
	// SetPublic flips the public flag on a Job owned by userID.
	SetPublic(ctx Context, id, userID string, public bool) (Job, error)
	// QueuePosition returns 1-based position among queued jobs, or nil if
	// the job is not currently queued.
	QueuePosition(ctx Context, j Job) (*int, error)
	// TransitionRunning moves a queued Job to running, stamping StartedAt.
	// Returns false (no error) if the CAS guard did not match.
	TransitionRunning(ctx Context, id string, startedAt time.Time) (bool, error)
	// FinalizeResult sets a terminal status with result/result_error from
	// the running state only (CAS guard status=running). Returns false if
	// the guard did not match (job already terminal).
	FinalizeResult(ctx Context, id string, status JobStatus, report *Report, resultErr *string, receivedAt time.Time) (bool, error)
	// FailCAS transitions a Job to failed from the given allowed prefix
	// set, stamping FinishedAt and ResultError. Returns false if no row
	// matched.
	FailCAS(ctx Context, id string, from []JobStatus, reason string) (bool, error)
	// RunningOlderThan returns jobs running since before cutoff.
	RunningOlderThan(ctx Context, cutoff time.Time) ([]Job, error)
	// NewestNonQueued returns the most recently created non-queued Job, if
	// any exists.
	NewestNonQueued(ctx Context) (Job, bool, error)
	// FailGapOlderThan fails queued jobs strictly older (by created_at,id)
	// than anchor and older than cutoff, returning the count affected.
	FailGapOlderThan(ctx Context, anchor Job, cutoff time.Time) (int64, error)
}

// Publisher is the broker port used by Admission to enqueue JobMessages.
type Publisher interface {
	// PublishJobStart publishes msg with persistent delivery and publisher
	// confirms; returns an error if the broker did not confirm delivery.
	PublishJobStart(ctx Context, msg JobMessage) error
	Close() error
}

// SecretStore is the one-shot bundle storage port as seen by Admission
// (PUT/DELETE); the worker talks to the Secret Store over plain HTTP per
// its sidecar contract, not through this interface.
type SecretStore interface {
	Put(ctx Context, ref string, bundle []byte) error
	Delete(ctx Context, ref string) error
}

// StartWorkerOptions parameterizes a single isolated worker invocation.
type StartWorkerOptions struct {
	JobID       string
	SecretRef   string
	Model       string
	ResultToken string
}

// WorkerHandle is the opaque identifier returned by a Backend; never
// persisted, only used transiently.
type WorkerHandle struct {
	ID string
}

// Backend abstracts the isolation engine (container engine or pod
// orchestrator) used by the Instancer and Reaper.
type Backend interface {
	// StartWorker launches one isolated worker for the given job.
	StartWorker(ctx Context, opts StartWorkerOptions) (WorkerHandle, error)
	// RunningWorkers returns a snapshot count of live managed workers.
	RunningWorkers(ctx Context) (int, error)
	// DefaultMaxConcurrency returns the backend's intrinsic concurrency
	// ceiling, or nil when unbounded.
	DefaultMaxConcurrency() *int
	// Sweep performs one reaper pass: classify/remove/kill workers and
	// report which job ids currently have an observable worker.
	Sweep(ctx Context, reaper ReaperActions) (observedJobIDs map[string]bool, err error)
	// WorkerExists reports whether any worker labeled with jobID is still
	// present, as a point-in-time confirmation query.
	WorkerExists(ctx Context, jobID string) (bool, error)
}

// ReaperActions is the callback surface a Backend.Sweep uses to record
// terminal job transitions without depending on the repository directly.
type ReaperActions interface {
	FailCrashed(ctx Context, jobID string) error
	FailTimeout(ctx Context, jobID string) error
	FailLost(ctx Context, jobID string) error
}

// AgentInput is what the worker sidecar hands to the pluggable auditor: the
// unpacked upload archive plus the resolved outbound credential.
type AgentInput struct {
	JobID        string
	Model        string
	UploadZip    []byte
	OpenAIToken  string
	KeyMode      KeyMode
	ProxyBaseURL string
}

// AgentOutput carries the auditor's raw report text, later parsed and
// schema-validated by the Result Service.
type AgentOutput struct {
	ReportJSON string
}

// Agent runs the model-driven auditor against a job's uploaded sources.
// Spawning the actual auditor is outside this port's scope; concrete
// implementations may shell out to an external runner or call a model
// API directly.
type Agent interface {
	Run(ctx Context, in AgentInput) (AgentOutput, error)
}
