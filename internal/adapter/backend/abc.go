// Package backend implements the pluggable isolation engines (Docker
// container engine, Kubernetes pod orchestrator) that run worker sidecars
// for jobs, and that the reaper sweeps for crashed/timed-out/lost jobs.
package backend

import (
	"fmt"
	"time"

	"github.com/svmbench/platform/internal/config"
	"github.com/svmbench/platform/internal/domain"
)

// Label keys stamped on every managed container/namespace so a backend can
// recognize and filter its own workers.
const (
	LabelManagedBy = "io.svmbench.managed_by"
	LabelJobID     = "io.svmbench.job_id"
	LabelStartedAt = "io.svmbench.started_at"
)

// New constructs the configured Backend implementation.
func New(cfg config.Config) (domain.Backend, error) {
	switch cfg.InstancerBackend {
	case "docker", "":
		return NewDockerBackend(cfg)
	case "k8s", "kubernetes":
		return NewK8sBackend(cfg)
	default:
		return nil, fmt.Errorf("op=backend.New: unknown backend %q", cfg.InstancerBackend)
	}
}

// workerEnv builds the sidecar environment variables common to every
// backend, matching the worker's documented contract.
func workerEnv(cfg config.Config, opts domain.StartWorkerOptions) map[string]string {
	env := map[string]string{
		"SECRETSVC_HOST":      cfg.InstancerSecretsvcHost,
		"SECRETSVC_PORT":      fmt.Sprintf("%d", cfg.InstancerSecretsvcPort),
		"SECRETSVC_REF":       opts.SecretRef,
		"SECRETSVC_TOKEN":     cfg.InstancerSecretsTokenRO,
		"RESULTSVC_HOST":      cfg.InstancerResultsvcHost,
		"RESULTSVC_PORT":      fmt.Sprintf("%d", cfg.InstancerResultsvcPort),
		"RESULTSVC_JOB_TOKEN": opts.ResultToken,
		"JOB_ID":              opts.JobID,
		"AGENT_ID":            opts.Model,
	}
	if cfg.InstancerOAIProxyURL != "" {
		env["OAI_PROXY_BASE_URL"] = cfg.InstancerOAIProxyURL
	}
	return env
}

func workerName(jobID string) string {
	return fmt.Sprintf("svmbench-worker-%s", jobID)
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
