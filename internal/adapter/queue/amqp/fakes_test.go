package amqp

import (
	"sync"
	"time"

	"github.com/svmbench/platform/internal/domain"
)

// fakeAcknowledger records which outcome a handler chose for a delivery,
// standing in for the broker-backed amqp.Acknowledger in unit tests.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []bool
	rejected []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeued = append(f.requeued, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, tag)
	return nil
}

// fakeBackend is a minimal domain.Backend for consumer tests.
type fakeBackend struct {
	running    int
	maxConc    *int
	startErr   error
	startCalls int
}

func (b *fakeBackend) StartWorker(domain.Context, domain.StartWorkerOptions) (domain.WorkerHandle, error) {
	b.startCalls++
	if b.startErr != nil {
		return domain.WorkerHandle{}, b.startErr
	}
	return domain.WorkerHandle{ID: "w-1"}, nil
}

func (b *fakeBackend) RunningWorkers(domain.Context) (int, error) { return b.running, nil }
func (b *fakeBackend) DefaultMaxConcurrency() *int                { return b.maxConc }
func (b *fakeBackend) Sweep(domain.Context, domain.ReaperActions) (map[string]bool, error) {
	return nil, nil
}
func (b *fakeBackend) WorkerExists(domain.Context, string) (bool, error) { return false, nil }

// fakeJobRepo is a minimal domain.JobRepository for consumer tests.
type fakeJobRepo struct {
	transitionOK  bool
	transitionErr error
	failCASOK     bool
	failCASErr    error
	failCASCalls  []string
}

func (r *fakeJobRepo) CreateQueued(domain.Context, domain.Job) error { return nil }
func (r *fakeJobRepo) Get(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (r *fakeJobRepo) Delete(domain.Context, string) error { return nil }
func (r *fakeJobRepo) FindActiveForUser(domain.Context, string) (string, bool, error) {
	return "", false, nil
}
func (r *fakeJobRepo) ListHistory(domain.Context, string) ([]domain.Job, error) { return nil, nil }
func (r *fakeJobRepo) SetPublic(domain.Context, string, string, bool) (domain.Job, error) {
	return domain.Job{}, nil
}
func (r *fakeJobRepo) QueuePosition(domain.Context, domain.Job) (*int, error) { return nil, nil }
func (r *fakeJobRepo) TransitionRunning(domain.Context, string, time.Time) (bool, error) {
	return r.transitionOK, r.transitionErr
}
func (r *fakeJobRepo) FinalizeResult(domain.Context, string, domain.JobStatus, *domain.Report, *string, time.Time) (bool, error) {
	return false, nil
}
func (r *fakeJobRepo) FailCAS(_ domain.Context, id string, _ []domain.JobStatus, _ string) (bool, error) {
	r.failCASCalls = append(r.failCASCalls, id)
	return r.failCASOK, r.failCASErr
}
func (r *fakeJobRepo) RunningOlderThan(domain.Context, time.Time) ([]domain.Job, error) {
	return nil, nil
}
func (r *fakeJobRepo) NewestNonQueued(domain.Context) (domain.Job, bool, error) {
	return domain.Job{}, false, nil
}
func (r *fakeJobRepo) FailGapOlderThan(domain.Context, domain.Job, time.Time) (int64, error) {
	return 0, nil
}

var (
	_ domain.Backend       = (*fakeBackend)(nil)
	_ domain.JobRepository = (*fakeJobRepo)(nil)
)
