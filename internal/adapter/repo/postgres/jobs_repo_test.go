package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/svmbench/platform/internal/adapter/repo/postgres"
	"github.com/svmbench/platform/internal/domain"
)

func TestJobRepo_TransitionRunning_CASMatch(t *testing.T) {
	pool := &poolStub{
		execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	repo := postgres.NewJobRepo(pool)

	ok, err := repo.TransitionRunning(context.Background(), "job-1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJobRepo_TransitionRunning_CASMiss(t *testing.T) {
	pool := &poolStub{
		execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	repo := postgres.NewJobRepo(pool)

	ok, err := repo.TransitionRunning(context.Background(), "job-1", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJobRepo_FailCAS_NoRowsMatched(t *testing.T) {
	pool := &poolStub{
		execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	repo := postgres.NewJobRepo(pool)

	ok, err := repo.FailCAS(context.Background(), "job-1", []domain.JobStatus{domain.JobQueued}, "gone")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJobRepo_QueuePosition_NilWhenNotQueued(t *testing.T) {
	repo := postgres.NewJobRepo(&poolStub{})

	pos, err := repo.QueuePosition(context.Background(), domain.Job{Status: domain.JobRunning})
	require.NoError(t, err)
	require.Nil(t, pos)
}

func TestJobRepo_QueuePosition_CountsAheadPlusOne(t *testing.T) {
	pool := &poolStub{
		queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*int)) = 3
				return nil
			}}
		},
	}
	repo := postgres.NewJobRepo(pool)

	pos, err := repo.QueuePosition(context.Background(), domain.Job{
		Status:    domain.JobQueued,
		ID:        "job-1",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.Equal(t, 4, *pos)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{
		queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
		},
	}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_FailGapOlderThan_ReturnsAffectedCount(t *testing.T) {
	pool := &poolStub{
		execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 2"), nil
		},
	}
	repo := postgres.NewJobRepo(pool)

	n, err := repo.FailGapOlderThan(context.Background(), domain.Job{ID: "anchor", CreatedAt: time.Now()}, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
