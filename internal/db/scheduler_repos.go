package db

import (
	"context"
	"time"

	"eventrelay/internal/types"
)

// JobLockRepository provides distributed locking via the job_locks table so
// that only one replica runs a given maintenance task or retry cycle at a time.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a new JobLockRepository.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire attempts to take lockID for ttl. Returns false if another worker
// holds an unexpired lock. An expired lock is reclaimed.
//
// locked_at and expires_at are computed in Go; Go duration strings such as
// "15m0s" are not valid PostgreSQL intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops lockID if workerID still holds it.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// JobHistoryRepository records maintenance task executions in job_history.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running entry and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// maxJobErrorLen bounds the error text stored on a job_history row.
const maxJobErrorLen = 2000

// Finish closes the entry with status ('success' or 'failed'), item count and
// the job error, if any.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var msg string
	if jobErr != nil {
		msg = jobErr.Error()
		if len(msg) > maxJobErrorLen {
			msg = msg[:maxJobErrorLen]
		}
	}
	errMsg := nilIfEmpty(msg)

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// Recent returns the latest runs of jobType, newest first.
func (r *JobHistoryRepository) Recent(ctx context.Context, jobType string, limit int) ([]types.JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_type, started_at, finished_at, status, COALESCE(items_count, 0), COALESCE(error, '')
		 FROM job_history
		 WHERE job_type = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		jobType,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list job history", err)
	}
	defer rows.Close()

	var runs []types.JobRun
	for rows.Next() {
		var run types.JobRun
		if err := rows.Scan(&run.ID, &run.JobType, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ItemsCount, &run.Error); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job history", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate job history", err)
	}
	return runs, nil
}
