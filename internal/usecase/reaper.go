package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/domain"
)

// ReaperService runs the periodic sweep: reconcile worker-side
// crash/timeout classification via the Backend, fail running Jobs whose
// worker has gone missing, and fail queued Jobs stuck behind a gap no
// Instancer is making progress on.
type ReaperService struct {
	Jobs    domain.JobRepository
	Backend domain.Backend

	RunningGracePeriod time.Duration // running Jobs older than this with no observed worker are lost
	GapMaxAge          time.Duration // base unit for the stuck-queue gap cutoff
	Now                func() time.Time
}

func (s *ReaperService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// FailCrashed implements domain.ReaperActions: a worker exited nonzero.
func (s *ReaperService) FailCrashed(ctx domain.Context, jobID string) error {
	return s.failWithReason(ctx, jobID, "crashed")
}

// FailTimeout implements domain.ReaperActions: a worker exceeded its max age.
func (s *ReaperService) FailTimeout(ctx domain.Context, jobID string) error {
	return s.failWithReason(ctx, jobID, "timeout")
}

// FailLost implements domain.ReaperActions: a worker disappeared without a
// terminal report.
func (s *ReaperService) FailLost(ctx domain.Context, jobID string) error {
	return s.failWithReason(ctx, jobID, "lost")
}

func (s *ReaperService) failWithReason(ctx domain.Context, jobID, reason string) error {
	ok, err := s.Jobs.FailCAS(ctx, jobID, []domain.JobStatus{domain.JobQueued, domain.JobRunning}, reason)
	if err != nil {
		return fmt.Errorf("op=reaper.failWithReason: %w", err)
	}
	if ok {
		observability.RecordReaperAction(reason)
		observability.RecordFinalized(string(domain.JobFailed))
		slog.Info("reaper failed job", slog.String("job_id", jobID), slog.String("reason", reason))
	}
	return nil
}

// Sweep runs one full reaper pass: worker-side classification
// via Backend.Sweep, the running-grace-period lost-worker check, and the
// stuck-queue gap rule.
func (s *ReaperService) Sweep(ctx domain.Context) error {
	observed, err := s.Backend.Sweep(ctx, s)
	if err != nil {
		return fmt.Errorf("op=reaper.Sweep.backend: %w", err)
	}

	if err := s.sweepLostRunning(ctx, observed); err != nil {
		return err
	}
	return s.sweepQueueGap(ctx)
}

// sweepLostRunning fails running Jobs that have exceeded RunningGracePeriod
// with no corresponding worker observed by the Backend.
func (s *ReaperService) sweepLostRunning(ctx domain.Context, observed map[string]bool) error {
	if s.RunningGracePeriod <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.RunningGracePeriod)
	stale, err := s.Jobs.RunningOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=reaper.sweepLostRunning.query: %w", err)
	}
	for _, j := range stale {
		if observed[j.ID] {
			continue
		}
		// The observed set is a snapshot from the start of the sweep; a
		// worker started since would be wrongly declared lost, so confirm
		// with a point-in-time label query before failing.
		if exists, err := s.Backend.WorkerExists(ctx, j.ID); err != nil {
			slog.Error("reaper worker-exists check failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		} else if exists {
			continue
		}
		if err := s.FailLost(ctx, j.ID); err != nil {
			slog.Error("reaper lost-worker fail failed", slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
	return nil
}

// sweepQueueGap implements the stuck-queue gap rule: with the newest
// non-queued Job as anchor, queued Jobs strictly older than the anchor (by
// created_at, id) and created before now minus GapMaxAge*3 are failed
// rather than left to wait indefinitely.
func (s *ReaperService) sweepQueueGap(ctx domain.Context) error {
	if s.GapMaxAge <= 0 {
		return nil
	}
	anchor, ok, err := s.Jobs.NewestNonQueued(ctx)
	if err != nil {
		return fmt.Errorf("op=reaper.sweepQueueGap.anchor: %w", err)
	}
	if !ok {
		return nil
	}
	cutoff := s.now().Add(-3 * s.GapMaxAge)
	n, err := s.Jobs.FailGapOlderThan(ctx, anchor, cutoff)
	if err != nil {
		return fmt.Errorf("op=reaper.sweepQueueGap.fail: %w", err)
	}
	if n > 0 {
		observability.RecordReaperAction("queue gap")
		for i := int64(0); i < n; i++ {
			observability.RecordFinalized(string(domain.JobFailed))
		}
		slog.Info("reaper failed stuck queued jobs", slog.Int64("count", n))
	}
	return nil
}

// Run polls Sweep on the given interval until ctx is cancelled.
func (s *ReaperService) Run(ctx domain.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("reaper sweep failed", slog.Any("error", err))
			}
		}
	}
}
