package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/robofleet/fleetq/errors"
)

// Policy decides whether a job that stopped making progress gets another
// chance. Both failure paths - "my process crashed" (lease expiry, §Sweep)
// and "I caught an error" (explicit report from the worker) - run through the
// same decision so the two produce identical, auditable state transitions.
//
// The decision executes as one conditional UPDATE: retry_count < max_retries
// requeues the job with the counter incremented, otherwise the job terminally
// fails. Expiry and ownership are re-checked inside the statement, which makes
// redundant sweepers idempotent and keeps disowned workers from failing jobs
// they no longer hold.
type Policy struct {
	db *sql.DB
}

// NewPolicy creates a retry/failure policy over the given database
func NewPolicy(db *sql.DB) *Policy {
	return &Policy{db: db}
}

const leaseExpiredNote = "lease expired"
const leaseExhaustedNote = "lease expired, retries exhausted"

// OnLeaseExpired reclaims a running job whose lease has lapsed.
//
// Returns the job in its post-decision state, or nil if the job was no longer
// an expired running job when the statement ran (a heartbeat arrived late or
// another sweeper already handled it) - not an error, just a lost race.
func (p *Policy) OnLeaseExpired(ctx context.Context, jobID string) (*Job, error) {
	now := time.Now().UTC()

	query := `
		UPDATE jobs
		SET status        = CASE WHEN retry_count < max_retries THEN ? ELSE ? END,
		    claimed_by    = NULL,
		    retry_count   = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    visible_after = ?,
		    last_error    = CASE WHEN retry_count < max_retries
		                         THEN COALESCE(last_error || '; ', '') || ?
		                         ELSE COALESCE(last_error || '; ', '') || ? END,
		    completed_at  = CASE WHEN retry_count < max_retries THEN completed_at ELSE ? END,
		    updated_at    = ?
		WHERE id = ? AND status = ? AND visible_after < ?
		RETURNING ` + jobSelectColumns()

	var job Job
	err := scanJobFromRow(p.db.QueryRowContext(ctx, query,
		JobStatusPending, JobStatusFailed,
		now,
		leaseExpiredNote,
		leaseExhaustedNote,
		now,
		now,
		jobID, JobStatusRunning, now,
	), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply lease-expiry policy")
	}

	return &job, nil
}

// OnExplicitFailure records an error the worker caught itself.
//
// Only applies while workerID still holds the job; returns nil (no mutation)
// otherwise, which the caller must treat as "I no longer own this job".
func (p *Policy) OnExplicitFailure(ctx context.Context, jobID, workerID string, jobErr error) (*Job, error) {
	if jobErr == nil {
		return nil, errors.NewInvalidRequestError("explicit failure requires a non-nil error")
	}

	now := time.Now().UTC()
	note := jobErr.Error()

	query := `
		UPDATE jobs
		SET status        = CASE WHEN retry_count < max_retries THEN ? ELSE ? END,
		    claimed_by    = NULL,
		    retry_count   = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    visible_after = ?,
		    last_error    = COALESCE(last_error || '; ', '') || ?,
		    completed_at  = CASE WHEN retry_count < max_retries THEN completed_at ELSE ? END,
		    updated_at    = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
		RETURNING ` + jobSelectColumns()

	var job Job
	err := scanJobFromRow(p.db.QueryRowContext(ctx, query,
		JobStatusPending, JobStatusFailed,
		now,
		note,
		now,
		now,
		jobID, JobStatusRunning, workerID,
	), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply explicit-failure policy")
	}

	return &job, nil
}
