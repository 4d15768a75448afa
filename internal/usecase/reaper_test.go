package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/svmbench/platform/internal/domain"
)

type fakeBackend struct {
	observed  map[string]bool
	crashIDs  []string
	sweepErr  error
}

func (b *fakeBackend) StartWorker(ctx domain.Context, opts domain.StartWorkerOptions) (domain.WorkerHandle, error) {
	return domain.WorkerHandle{}, nil
}
func (b *fakeBackend) RunningWorkers(ctx domain.Context) (int, error) { return 0, nil }
func (b *fakeBackend) DefaultMaxConcurrency() *int                    { return nil }
func (b *fakeBackend) WorkerExists(ctx domain.Context, jobID string) (bool, error) {
	return b.observed[jobID], nil
}
func (b *fakeBackend) Sweep(ctx domain.Context, reaper domain.ReaperActions) (map[string]bool, error) {
	if b.sweepErr != nil {
		return nil, b.sweepErr
	}
	for _, id := range b.crashIDs {
		_ = reaper.FailCrashed(ctx, id)
	}
	return b.observed, nil
}

func TestReaperSweep_LostRunningFailed(t *testing.T) {
	old := time.Now().UTC().Add(-10 * time.Minute)
	repo := newFakeJobRepo(
		domain.Job{ID: "running-observed", Status: domain.JobRunning, StartedAt: &old},
		domain.Job{ID: "running-lost", Status: domain.JobRunning, StartedAt: &old},
	)
	repo.runningOlderThan = []domain.Job{repo.jobs["running-observed"], repo.jobs["running-lost"]}

	backend := &fakeBackend{observed: map[string]bool{"running-observed": true}}
	svc := &ReaperService{Jobs: repo, Backend: backend, RunningGracePeriod: 5 * time.Minute, GapMaxAge: time.Hour}

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.failedIDs["running-lost"] == "" {
		t.Fatalf("expected running-lost to be failed")
	}
	if repo.failedIDs["running-observed"] != "" {
		t.Fatalf("observed job should not be failed")
	}
}

func TestReaperSweep_CrashedViaBackend(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-crash", Status: domain.JobRunning})
	backend := &fakeBackend{crashIDs: []string{"job-crash"}}
	svc := &ReaperService{Jobs: repo, Backend: backend}

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.failedIDs["job-crash"] != "crashed" {
		t.Fatalf("expected crash reason recorded, got %q", repo.failedIDs["job-crash"])
	}
}

func TestReaperSweep_QueueGap(t *testing.T) {
	repo := newFakeJobRepo()
	anchor := domain.Job{ID: "anchor", Status: domain.JobFailed, CreatedAt: time.Now().UTC().Add(-4 * time.Hour)}
	repo.newestNonQueued = &anchor
	repo.gapFailCount = 3

	backend := &fakeBackend{observed: map[string]bool{}}
	svc := &ReaperService{Jobs: repo, Backend: backend, GapMaxAge: time.Hour}

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gapCutoffSeen.IsZero() {
		t.Fatalf("expected gap cutoff to be computed")
	}
}
