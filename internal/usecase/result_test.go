package usecase

import (
	"testing"
	"time"

	"github.com/svmbench/platform/internal/domain"
)

type fakeJobRepo struct {
	jobs map[string]domain.Job

	finalizeOK bool
	finalized  *domain.Job

	runningOlderThan []domain.Job
	failedIDs        map[string]string

	newestNonQueued *domain.Job
	gapFailCount    int64
	gapCutoffSeen   time.Time
}

func newFakeJobRepo(jobs ...domain.Job) *fakeJobRepo {
	r := &fakeJobRepo{jobs: map[string]domain.Job{}, finalizeOK: true, failedIDs: map[string]string{}}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeJobRepo) CreateQueued(ctx domain.Context, j domain.Job) error { r.jobs[j.ID] = j; return nil }
func (r *fakeJobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (r *fakeJobRepo) Delete(ctx domain.Context, id string) error { delete(r.jobs, id); return nil }
func (r *fakeJobRepo) FindActiveForUser(ctx domain.Context, userID string) (string, bool, error) {
	return "", false, nil
}
func (r *fakeJobRepo) ListHistory(ctx domain.Context, userID string) ([]domain.Job, error) {
	return nil, nil
}
func (r *fakeJobRepo) SetPublic(ctx domain.Context, id, userID string, public bool) (domain.Job, error) {
	return domain.Job{}, nil
}
func (r *fakeJobRepo) QueuePosition(ctx domain.Context, j domain.Job) (*int, error) { return nil, nil }
func (r *fakeJobRepo) TransitionRunning(ctx domain.Context, id string, startedAt time.Time) (bool, error) {
	return true, nil
}
func (r *fakeJobRepo) FinalizeResult(ctx domain.Context, id string, status domain.JobStatus, report *domain.Report, resultErr *string, receivedAt time.Time) (bool, error) {
	if !r.finalizeOK {
		return false, nil
	}
	j := r.jobs[id]
	j.Status = status
	j.Result = report
	j.ResultError = resultErr
	r.jobs[id] = j
	r.finalized = &j
	return true, nil
}
func (r *fakeJobRepo) FailCAS(ctx domain.Context, id string, from []domain.JobStatus, reason string) (bool, error) {
	j, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	j.Status = domain.JobFailed
	r.jobs[id] = j
	r.failedIDs[id] = reason
	return true, nil
}
func (r *fakeJobRepo) RunningOlderThan(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	return r.runningOlderThan, nil
}
func (r *fakeJobRepo) NewestNonQueued(ctx domain.Context) (domain.Job, bool, error) {
	if r.newestNonQueued == nil {
		return domain.Job{}, false, nil
	}
	return *r.newestNonQueued, true, nil
}
func (r *fakeJobRepo) FailGapOlderThan(ctx domain.Context, anchor domain.Job, cutoff time.Time) (int64, error) {
	r.gapCutoffSeen = cutoff
	return r.gapFailCount, nil
}

func TestPostResult_Success(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok"})
	svc := &ResultService{Jobs: repo}

	report := `some preamble noise {"vulnerabilities":[{"title":"SQLi","severity":"CRIT"}]} trailing noise`
	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "succeeded", Report: report}, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := repo.jobs["job-1"]
	if j.Status != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", j.Status)
	}
	if j.Result == nil || len(j.Result.Vulnerabilities) != 1 {
		t.Fatalf("expected one vulnerability, got %+v", j.Result)
	}
	if j.Result.Vulnerabilities[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected normalized severity critical, got %s", j.Result.Vulnerabilities[0].Severity)
	}
}

func TestPostResult_EmptyVulnerabilitiesIsSuccess(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok"})
	svc := &ResultService{Jobs: repo}

	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "succeeded", Report: `{"vulnerabilities":[]}`}, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := repo.jobs["job-1"]
	if j.Status != domain.JobSucceeded {
		t.Fatalf("expected a clean audit with no findings to succeed, got %s", j.Status)
	}
	if j.Result == nil || len(j.Result.Vulnerabilities) != 0 {
		t.Fatalf("expected an empty but non-nil vulnerability list, got %+v", j.Result)
	}
}

func TestPostResult_InvalidReportForcesFailed(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok"})
	svc := &ResultService{Jobs: repo}

	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "succeeded", Report: "not json at all"}, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := repo.jobs["job-1"]
	if j.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", j.Status)
	}
	if j.ResultError == nil || *j.ResultError != "Invalid report" {
		t.Fatalf("expected default invalid report error, got %v", j.ResultError)
	}
}

func TestPostResult_ExplicitFailure(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok"})
	svc := &ResultService{Jobs: repo}

	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "failed", Error: "agent crashed"}, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j := repo.jobs["job-1"]
	if j.Status != domain.JobFailed || j.ResultError == nil || *j.ResultError != "agent crashed" {
		t.Fatalf("unexpected job state: %+v", j)
	}
}

func TestPostResult_BadToken(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok"})
	svc := &ResultService{Jobs: repo}

	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "succeeded"}, "wrong")
	if err == nil {
		t.Fatalf("expected auth error")
	}
}

func TestPostResult_NotRunningIsNotFound(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobSucceeded, ResultToken: "tok"})
	svc := &ResultService{Jobs: repo}

	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "succeeded"}, "tok")
	if err == nil {
		t.Fatalf("expected not-found error for non-running job")
	}
}

func TestPostResult_FinalizeRaceIsNoop(t *testing.T) {
	repo := newFakeJobRepo(domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok"})
	repo.finalizeOK = false
	svc := &ResultService{Jobs: repo}

	err := svc.PostResult(nil, PostResultRequest{JobID: "job-1", Status: "failed", Error: "x"}, "tok")
	if err != nil {
		t.Fatalf("expected nil error on lost CAS race, got %v", err)
	}
}

func TestExtractJSONSlice(t *testing.T) {
	s, ok := extractJSONSlice(`noise {"a":1} more noise`)
	if !ok || s != `{"a":1}` {
		t.Fatalf("got %q, %v", s, ok)
	}
	if _, ok := extractJSONSlice("no braces here"); ok {
		t.Fatalf("expected no match")
	}
}
