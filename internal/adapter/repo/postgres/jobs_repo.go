package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/svmbench/platform/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL, applying CAS semantics to
// every lifecycle transition.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func span(ctx domain.Context, name, op string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.jobs")
	ctx, sp := tracer.Start(ctx, name)
	sp.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", "jobs"),
	)
	return ctx, func() { sp.End() }
}

// CreateQueued inserts a new Job row with status queued.
func (r *JobRepo) CreateQueued(ctx domain.Context, j domain.Job) error {
	ctx, end := span(ctx, "jobs.CreateQueued", "INSERT")
	defer end()

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO jobs
		(id, status, user_id, model, file_name, secret_ref, result_token, public, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, domain.JobQueued, j.UserID, j.Model, j.FileName,
		j.SecretRef, j.ResultToken, j.Public, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.create_queued: %w", err)
	}
	return nil
}

// Delete removes a Job row outright (admission compensation path only).
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	ctx, end := span(ctx, "jobs.Delete", "DELETE")
	defer end()

	_, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var resultRaw []byte
	if err := row.Scan(
		&j.ID, &j.Status, &j.UserID, &j.Model, &j.FileName, &j.SecretRef,
		&j.ResultToken, &resultRaw, &j.ResultError, &j.ResultReceivedAt,
		&j.Public, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return domain.Job{}, err
	}
	if len(resultRaw) > 0 {
		var rep domain.Report
		if err := json.Unmarshal(resultRaw, &rep); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan_result: %w", err)
		}
		j.Result = &rep
	}
	return j, nil
}

const jobColumns = `id, status, user_id, model, file_name, secret_ref,
	result_token, result, result_error, result_received_at, public, created_at, started_at, finished_at`

// Get loads a Job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	ctx, end := span(ctx, "jobs.Get", "SELECT")
	defer end()

	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindActiveForUser returns the id of a queued/running Job owned by user, if any.
func (r *JobRepo) FindActiveForUser(ctx domain.Context, userID string) (string, bool, error) {
	ctx, end := span(ctx, "jobs.FindActiveForUser", "SELECT")
	defer end()

	q := `SELECT id FROM jobs WHERE user_id=$1 AND status IN ($2,$3) LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, userID, domain.JobQueued, domain.JobRunning)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=job.find_active: %w", err)
	}
	return id, true, nil
}

// ListHistory returns a user's jobs ordered by created_at desc, id desc.
func (r *JobRepo) ListHistory(ctx domain.Context, userID string) ([]domain.Job, error) {
	ctx, end := span(ctx, "jobs.ListHistory", "SELECT")
	defer end()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC, id DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_history: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_history_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_history_rows: %w", err)
	}
	return jobs, nil
}

// SetPublic flips the public flag on a Job owned by userID.
func (r *JobRepo) SetPublic(ctx domain.Context, id, userID string, public bool) (domain.Job, error) {
	ctx, end := span(ctx, "jobs.SetPublic", "UPDATE")
	defer end()

	q := `UPDATE jobs SET public=$3 WHERE id=$1 AND user_id=$2 RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, id, userID, public)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.set_public: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.set_public: %w", err)
	}
	return j, nil
}

// QueuePosition returns 1-based position among queued jobs, or nil if the
// job is not currently queued.
func (r *JobRepo) QueuePosition(ctx domain.Context, j domain.Job) (*int, error) {
	ctx, end := span(ctx, "jobs.QueuePosition", "SELECT")
	defer end()

	if j.Status != domain.JobQueued {
		return nil, nil
	}

	q := `SELECT COUNT(*) FROM jobs
		WHERE status=$1 AND (created_at < $2 OR (created_at = $2 AND id < $3))`
	row := r.Pool.QueryRow(ctx, q, domain.JobQueued, j.CreatedAt, j.ID)
	var ahead int
	if err := row.Scan(&ahead); err != nil {
		return nil, fmt.Errorf("op=job.queue_position: %w", err)
	}
	pos := ahead + 1
	return &pos, nil
}

// TransitionRunning moves a queued Job to running, stamping StartedAt.
func (r *JobRepo) TransitionRunning(ctx domain.Context, id string, startedAt time.Time) (bool, error) {
	ctx, end := span(ctx, "jobs.TransitionRunning", "UPDATE")
	defer end()

	q := `UPDATE jobs SET status=$2, started_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, startedAt, domain.JobQueued)
	if err != nil {
		return false, fmt.Errorf("op=job.transition_running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeResult sets a terminal status with result/result_error from the
// running state only (CAS guard status=running).
func (r *JobRepo) FinalizeResult(ctx domain.Context, id string, status domain.JobStatus, report *domain.Report, resultErr *string, receivedAt time.Time) (bool, error) {
	ctx, end := span(ctx, "jobs.FinalizeResult", "UPDATE")
	defer end()

	var resultRaw []byte
	if report != nil {
		raw, err := json.Marshal(report)
		if err != nil {
			return false, fmt.Errorf("op=job.finalize_result_marshal: %w", err)
		}
		resultRaw = raw
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("op=job.finalize_result.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(ctx); rerr != nil {
				slog.Error("failed to rollback finalize_result transaction", slog.String("job_id", id), slog.Any("error", rerr))
			}
		}
	}()

	q := `UPDATE jobs SET status=$2, result=$3, result_error=$4, result_received_at=$5, finished_at=$5
		WHERE id=$1 AND status=$6`
	tag, err := tx.Exec(ctx, q, id, status, resultRaw, resultErr, receivedAt, domain.JobRunning)
	if err != nil {
		return false, fmt.Errorf("op=job.finalize_result.exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=job.finalize_result.commit: %w", err)
	}
	committed = true
	return tag.RowsAffected() > 0, nil
}

// FailCAS transitions a Job to failed from the given allowed prefix set,
// stamping FinishedAt and ResultError.
func (r *JobRepo) FailCAS(ctx domain.Context, id string, from []domain.JobStatus, reason string) (bool, error) {
	ctx, end := span(ctx, "jobs.FailCAS", "UPDATE")
	defer end()

	fromSet := make([]string, len(from))
	for i, s := range from {
		fromSet[i] = string(s)
	}
	q := `UPDATE jobs SET status=$2, result_error=$3, finished_at=$4 WHERE id=$1 AND status = ANY($5)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobFailed, reason, time.Now().UTC(), fromSet)
	if err != nil {
		return false, fmt.Errorf("op=job.fail_cas: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RunningOlderThan returns jobs running since before cutoff.
func (r *JobRepo) RunningOlderThan(ctx domain.Context, cutoff time.Time) ([]domain.Job, error) {
	ctx, end := span(ctx, "jobs.RunningOlderThan", "SELECT")
	defer end()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 AND started_at < $2`
	rows, err := r.Pool.Query(ctx, q, domain.JobRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.running_older_than: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.running_older_than_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.running_older_than_rows: %w", err)
	}
	return jobs, nil
}

// NewestNonQueued returns the most recently created non-queued Job, if any.
func (r *JobRepo) NewestNonQueued(ctx domain.Context) (domain.Job, bool, error) {
	ctx, end := span(ctx, "jobs.NewestNonQueued", "SELECT")
	defer end()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status != $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, domain.JobQueued)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=job.newest_non_queued: %w", err)
	}
	return j, true, nil
}

// FailGapOlderThan fails queued jobs strictly older (by created_at,id) than
// anchor and older than cutoff, returning the count affected.
func (r *JobRepo) FailGapOlderThan(ctx domain.Context, anchor domain.Job, cutoff time.Time) (int64, error) {
	ctx, end := span(ctx, "jobs.FailGapOlderThan", "UPDATE")
	defer end()

	q := `UPDATE jobs SET status=$1, result_error=$2, finished_at=$3
		WHERE status=$4
		AND (created_at < $5 OR (created_at = $5 AND id < $6))
		AND created_at < $7`
	tag, err := r.Pool.Exec(ctx, q, domain.JobFailed, "found in gap",
		time.Now().UTC(), domain.JobQueued, anchor.CreatedAt, anchor.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_gap_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.JobRepository = (*JobRepo)(nil)
