package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/robofleet/fleetq/errors"
)

// Store handles persistence of jobs. It is the only component that talks to
// the jobs table; the claim engine, lease manager, and retry policy all go
// through its atomic statements.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, handler_name, payload, priority, environment, status,
			claimed_by, visible_after, retry_count, max_retries,
			last_error, result, parent_job_id,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	claimedBy := sql.NullString{String: job.ClaimedBy, Valid: job.ClaimedBy != ""}
	lastError := sql.NullString{String: job.LastError, Valid: job.LastError != ""}
	result := sql.NullString{String: string(job.Result), Valid: len(job.Result) > 0}
	parentJobID := sql.NullString{String: job.ParentJobID, Valid: job.ParentJobID != ""}

	var startedAt, completedAt sql.NullTime
	if job.StartedAt != nil {
		startedAt = sql.NullTime{Time: job.StartedAt.UTC(), Valid: true}
	}
	if job.CompletedAt != nil {
		completedAt = sql.NullTime{Time: job.CompletedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.HandlerName,
		payload,
		job.Priority,
		job.Environment,
		job.Status,
		claimedBy,
		job.VisibleAfter.UTC(),
		job.RetryCount,
		job.MaxRetries,
		lastError,
		result,
		parentJobID,
		job.CreatedAt.UTC(),
		startedAt,
		completedAt,
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	err := scanJobFromRow(s.db.QueryRowContext(ctx, query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &job, nil
}

// ListFilter narrows ListJobs results. Zero values mean "no filter".
type ListFilter struct {
	Status      JobStatus
	Environment string
	ClaimedBy   string
	Limit       int
}

// ListJobs returns jobs matching the filter, newest first
func (s *Store) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns() + ` FROM jobs WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Environment != "" {
		query += ` AND environment = ?`
		args = append(args, filter.Environment)
	}
	if filter.ClaimedBy != "" {
		query += ` AND claimed_by = ?`
		args = append(args, filter.ClaimedBy)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

// CompleteJob records a successful terminal outcome. The update is guarded by
// ownership: a worker that lost its lease cannot complete the job, and the
// call reports that via ErrNotOwner so the caller discards local state.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, result []byte) error {
	now := time.Now().UTC()
	resultVal := sql.NullString{String: string(result), Valid: len(result) > 0}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		JobStatusCompleted, resultVal, now, now,
		id, JobStatusRunning, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to complete job")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotOwner, "complete job %s as %s", id, workerID)
	}
	return nil
}

// CancelJob transitions a non-terminal job to Cancelled. The protocol does not
// preempt a robot mid-execution; a running holder observes the cancellation
// when its next heartbeat fails the ownership check.
func (s *Store) CancelJob(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	reasonVal := sql.NullString{String: reason, Valid: reason != ""}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, claimed_by = NULL, last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		JobStatusCancelled, reasonVal, now, now,
		id, JobStatusPending, JobStatusRunning,
	)
	if err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		// Either unknown or already terminal - disambiguate for the caller
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return errors.Wrapf(errors.ErrConflict, "job %s already terminal", id)
	}
	return nil
}

// RetryJob resubmits a terminal Failed/Cancelled job as a fresh Pending job,
// preserving lineage through parent_job_id. Returns the new job's ID.
func (s *Store) RetryJob(ctx context.Context, id string) (string, error) {
	orig, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Status != JobStatusFailed && orig.Status != JobStatusCancelled {
		return "", errors.NewInvalidRequestError("job %s is %s, only failed or cancelled jobs can be retried", id, orig.Status)
	}

	now := time.Now().UTC()
	fresh := &Job{
		ID:           "jb_" + uuid.NewString(),
		HandlerName:  orig.HandlerName,
		Payload:      orig.Payload,
		Priority:     orig.Priority,
		Environment:  orig.Environment,
		Status:       JobStatusPending,
		VisibleAfter: now,
		MaxRetries:   orig.MaxRetries,
		ParentJobID:  orig.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateJob(ctx, fresh); err != nil {
		return "", errors.Wrapf(err, "failed to resubmit job %s", id)
	}
	return fresh.ID, nil
}

// CountRunningByWorker derives a worker's current load from the jobs table.
// This is the source of truth for "busy"; worker records never carry an
// independently maintained job count that could drift under crashes.
func (s *Store) CountRunningByWorker(ctx context.Context, workerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND claimed_by = ?`,
		JobStatusRunning, workerID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count running jobs")
	}
	return count, nil
}

// Stats summarizes queue depth by status
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan stats row")
		}
		switch status {
		case JobStatusPending:
			stats.Pending = count
		case JobStatusRunning:
			stats.Running = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusFailed:
			stats.Failed = count
		case JobStatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stats")
	}
	return stats, nil
}

// CleanupOldJobs removes terminal jobs older than the specified duration.
// Returns the number of jobs removed.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
