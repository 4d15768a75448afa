package backend

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/svmbench/platform/internal/config"
	"github.com/svmbench/platform/internal/domain"
)

// DockerBackend runs one container per job on a shared Docker network,
// relying on the daemon's own resource limits and the reaper to clean up
// crashed, timed-out, or orphaned containers.
type DockerBackend struct {
	cli           *client.Client
	cfg           config.Config
	managedBy     string
	sharedNetwork string
	maxAge        int64
}

// NewDockerBackend connects to the Docker daemon using the environment
// (DOCKER_HOST and friends).
func NewDockerBackend(cfg config.Config) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=backend.NewDockerBackend: %w", err)
	}
	return &DockerBackend{
		cli:           cli,
		cfg:           cfg,
		managedBy:     cfg.InstancerManagerName,
		sharedNetwork: cfg.InstancerSharedNetwork,
		maxAge:        int64(cfg.ReaperMaxContainerAge.Seconds()),
	}, nil
}

// StartWorker creates and starts one isolated, single-use container for
// the job, attached only to the shared network (no published ports), with
// privilege-dropping hardening.
func (b *DockerBackend) StartWorker(ctx domain.Context, opts domain.StartWorkerOptions) (domain.WorkerHandle, error) {
	env := workerEnv(b.cfg, opts)
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	const oneGB = 1 << 30
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Hostname: "hi",
		Image:    b.cfg.InstancerWorkerImage,
		Env:      envList,
		Labels: map[string]string{
			LabelManagedBy: b.managedBy,
			LabelJobID:     opts.JobID,
			LabelStartedAt: fmt.Sprintf("%d", nowUnix()),
		},
	}, &container.HostConfig{
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
		ReadonlyRootfs: false,
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     oneGB,
			MemorySwap: oneGB,
			NanoCPUs:   int64(0.3 * 1_000_000_000),
			PidsLimit:  int64Ptr(1024),
			Ulimits:    []*container.Ulimit{{Name: "nofile", Soft: 131072, Hard: 131072}},
		},
		CapAdd:  []string{},
		CapDrop: []string{"ALL"},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			b.sharedNetwork: {},
		},
	}, nil, workerName(opts.JobID))
	if err != nil {
		return domain.WorkerHandle{}, fmt.Errorf("op=backend.DockerBackend.StartWorker.create: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return domain.WorkerHandle{}, fmt.Errorf("op=backend.DockerBackend.StartWorker.start: %w", err)
	}

	return domain.WorkerHandle{ID: resp.ID}, nil
}

// RunningWorkers counts running containers carrying our managed-by label;
// stopped containers are not listed (All is false).
func (b *DockerBackend) RunningWorkers(ctx domain.Context) (int, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     false,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", LabelManagedBy, b.managedBy))),
	})
	if err != nil {
		return 0, fmt.Errorf("op=backend.DockerBackend.RunningWorkers: %w", err)
	}
	return len(list), nil
}

// WorkerExists reports whether any container labeled with jobID is present,
// in any state.
func (b *DockerBackend) WorkerExists(ctx domain.Context, jobID string) (bool, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", LabelManagedBy, b.managedBy)),
			filters.Arg("label", fmt.Sprintf("%s=%s", LabelJobID, jobID)),
		),
	})
	if err != nil {
		return false, fmt.Errorf("op=backend.DockerBackend.WorkerExists: %w", err)
	}
	return len(list) > 0, nil
}

// DefaultMaxConcurrency returns NumCPU * 3, the intrinsic ceiling applied
// when no operator cap is configured.
func (b *DockerBackend) DefaultMaxConcurrency() *int {
	n := runtime.NumCPU() * 3
	if n < 1 {
		n = 1
	}
	return &n
}

// Sweep classifies every managed container: stopped containers are removed
// (failing their job as crashed), containers exceeding maxAge are killed and
// removed (failing their job as timed out), and the ids of jobs with a
// still-running container are returned so the reaper can separately
// identify "lost" jobs (running in the database with no observed
// container).
func (b *DockerBackend) Sweep(ctx domain.Context, reaper domain.ReaperActions) (map[string]bool, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", LabelManagedBy, b.managedBy))),
	})
	if err != nil {
		return nil, fmt.Errorf("op=backend.DockerBackend.Sweep: %w", err)
	}

	observed := make(map[string]bool)
	now := nowUnix()
	stopped := map[string]string{} // containerID -> jobID
	timedOut := map[string]bool{}  // jobID

	for _, c := range list {
		jobID := c.Labels[LabelJobID]
		state := c.State
		if state == "exited" || state == "dead" || state == "created" {
			stopped[c.ID] = jobID
			continue
		}
		if jobID != "" {
			observed[jobID] = true
		}
		if b.maxAge <= 0 || jobID == "" {
			continue
		}
		startedAt, err := parseUnixLabel(c.Labels[LabelStartedAt])
		if err != nil {
			continue
		}
		if now-startedAt > b.maxAge {
			timedOut[jobID] = true
		}
	}

	for id, jobID := range stopped {
		if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove stopped container", slog.String("container_id", id), slog.Any("error", err))
			continue
		}
		if jobID != "" {
			if err := reaper.FailCrashed(ctx, jobID); err != nil {
				slog.Warn("failed to mark job crashed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}

	for jobID := range timedOut {
		b.killAndRemoveJobContainers(ctx, jobID, list)
		delete(observed, jobID)
		if err := reaper.FailTimeout(ctx, jobID); err != nil {
			slog.Warn("failed to mark job timed out", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}

	return observed, nil
}

func (b *DockerBackend) killAndRemoveJobContainers(ctx domain.Context, jobID string, list []container.Summary) {
	for _, c := range list {
		if c.Labels[LabelJobID] != jobID {
			continue
		}
		_ = b.cli.ContainerKill(ctx, c.ID, "KILL")
		if err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove timed-out container", slog.String("container_id", c.ID), slog.Any("error", err))
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }

func parseUnixLabel(v string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

var _ domain.Backend = (*DockerBackend)(nil)
