package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svmbench/platform/internal/config"
	"github.com/svmbench/platform/internal/domain"
)

func TestWorkerEnv_IncludesProxyURLOnlyWhenConfigured(t *testing.T) {
	cfg := config.Config{InstancerSecretsvcHost: "secretsvc", InstancerSecretsvcPort: 8081}
	opts := domain.StartWorkerOptions{JobID: "j1", SecretRef: "ref", Model: "m", ResultToken: "rt"}

	env := workerEnv(cfg, opts)
	require.Equal(t, "secretsvc", env["SECRETSVC_HOST"])
	require.Equal(t, "ref", env["SECRETSVC_REF"])
	_, ok := env["OAI_PROXY_BASE_URL"]
	require.False(t, ok)

	cfg.InstancerOAIProxyURL = "http://proxy:8084"
	env = workerEnv(cfg, opts)
	require.Equal(t, "http://proxy:8084", env["OAI_PROXY_BASE_URL"])
}

func TestWorkerName(t *testing.T) {
	require.Equal(t, "svmbench-worker-abc", workerName("abc"))
}

func TestParseUnixLabel(t *testing.T) {
	n, err := parseUnixLabel("12345")
	require.NoError(t, err)
	require.Equal(t, int64(12345), n)

	_, err = parseUnixLabel("not-a-number")
	require.Error(t, err)
}

func TestDockerBackend_DefaultMaxConcurrency_AtLeastOne(t *testing.T) {
	b := &DockerBackend{}
	got := b.DefaultMaxConcurrency()
	require.NotNil(t, got)
	require.GreaterOrEqual(t, *got, 1)
}
