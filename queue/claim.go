package queue

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/robofleet/fleetq/errors"
)

// ClaimEngine atomically transitions eligible pending jobs to running.
//
// The selection and the transition are one UPDATE statement: SQLite serializes
// writers, so the subquery is evaluated under the same write lock that applies
// the transition and the set of rows read is exactly the set of rows claimed.
// Competing claimants never block on rows another caller already owns - by the
// time a second claimant's statement runs, those rows are no longer pending
// and the subquery skips them.
type ClaimEngine struct {
	db *sql.DB
}

// NewClaimEngine creates a claim engine over the given database
func NewClaimEngine(db *sql.DB) *ClaimEngine {
	return &ClaimEngine{db: db}
}

// Claim atomically picks up to batchSize eligible jobs for the given
// environment and marks them running with a lease of the given duration.
//
// Eligible means: status pending, environment matching exactly or tagged with
// the wildcard "default", and visible_after at or before now. Returned jobs
// are ordered by (priority DESC, created_at ASC) - priority first, FIFO as
// the tie-break.
//
// An empty result is a normal state, not an error: batchSize 0 is a no-op and
// an empty or fully-contended queue returns an empty slice.
func (e *ClaimEngine) Claim(ctx context.Context, environment, workerID string, batchSize int, lease time.Duration) ([]*Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, errors.NewInvalidRequestError("workerID cannot be empty")
	}
	if lease <= 0 {
		return nil, errors.NewInvalidRequestError("lease must be positive, got %s", lease)
	}

	now := time.Now().UTC()
	query := `
		UPDATE jobs
		SET status = ?,
		    claimed_by = ?,
		    visible_after = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ?
			  AND (environment = ? OR environment = ?)
			  AND visible_after <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT ?
		)
		RETURNING ` + jobSelectColumns()

	rows, err := e.db.QueryContext(ctx, query,
		JobStatusRunning,
		workerID,
		now.Add(lease),
		now,
		now,
		JobStatusPending,
		environment,
		EnvironmentDefault,
		now,
		batchSize,
	)
	if err != nil {
		// Fail closed: a missed claim is safe, an assumed claim is not
		return nil, errors.Wrap(errors.ErrStoreUnavailable, errors.Wrap(err, "claim update failed").Error())
	}
	defer rows.Close()

	jobs, err := scanJobs(rows, "claimed jobs")
	if err != nil {
		return nil, err
	}

	// RETURNING does not promise row order; re-establish the claim ordering
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	return jobs, nil
}
