// Command worker is the per-job sidecar: it fetches its one-shot secret
// bundle, invokes the pluggable auditor, and reports the result.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/svmbench/platform/internal/adapter/agent"
	"github.com/svmbench/platform/internal/adapter/archive"
	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/config"
	"github.com/svmbench/platform/internal/domain"
)

type resultPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Report string `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	slog.Info("requesting bundle", slog.String("job_id", cfg.JobID))
	payload := run(ctx, cfg, agent.StubAgent{})

	slog.Info("reporting result", slog.String("job_id", cfg.JobID), slog.String("status", payload.Status))
	if err := postResult(ctx, cfg, payload); err != nil {
		slog.Error("failed to upload result", slog.Any("error", err))
	}
}

// run fetches and unpacks the secret bundle, invokes the agent, and
// produces the resultPayload to report, never panicking: every failure
// mode is folded into a "failed" payload so the job always gets a result.
func run(ctx context.Context, cfg config.Config, a domain.Agent) resultPayload {
	bundle, err := fetchBundle(ctx, cfg)
	if err != nil {
		slog.Error("failed to fetch bundle", slog.Any("error", err))
		return resultPayload{JobID: cfg.JobID, Status: string(domain.JobFailed), Error: err.Error()}
	}

	upload, key, err := archive.ReadSecretBundle(bundle)
	if err != nil {
		slog.Error("failed to unpack bundle", slog.Any("error", err))
		return resultPayload{JobID: cfg.JobID, Status: string(domain.JobFailed), Error: err.Error()}
	}

	out, err := a.Run(ctx, domain.AgentInput{
		JobID:        cfg.JobID,
		Model:        cfg.AgentID,
		UploadZip:    upload,
		OpenAIToken:  key.OpenAIToken,
		KeyMode:      domain.KeyMode(key.KeyMode),
		ProxyBaseURL: cfg.OAIProxyBaseURL,
	})
	if err != nil {
		slog.Error("agent run failed", slog.Any("error", err))
		return resultPayload{JobID: cfg.JobID, Status: string(domain.JobFailed), Error: err.Error()}
	}

	return resultPayload{JobID: cfg.JobID, Status: string(domain.JobSucceeded), Report: out.ReportJSON}
}

func fetchBundle(ctx context.Context, cfg config.Config) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d/v1/bundles/%s", cfg.SecretsvcHost, cfg.SecretsvcPort, cfg.SecretsvcRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=worker.fetchBundle: %w", err)
	}
	req.Header.Set("X-Secrets-Token", cfg.SecretsvcToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=worker.fetchBundle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=worker.fetchBundle: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=worker.fetchBundle: secretsvc returned %d", resp.StatusCode)
	}
	slog.Info("got bundle", slog.Int("bytes", len(body)))
	return body, nil
}

func postResult(ctx context.Context, cfg config.Config, payload resultPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=worker.postResult: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/v1/results", cfg.ResultsvcHost, cfg.ResultsvcPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=worker.postResult: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Results-Token", cfg.ResultsvcJobTok)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("op=worker.postResult: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("op=worker.postResult: resultsvc returned %d", resp.StatusCode)
	}
	return nil
}
