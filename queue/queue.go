package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robofleet/fleetq/errors"
)

// Queue ties the store, claim engine, lease manager, and retry policy into
// the surface robots and the API layer use. All coordination happens through
// the store's atomic statements; the Queue itself holds no job state.
type Queue struct {
	store   *Store
	claims  *ClaimEngine
	leases  *LeaseManager
	policy  *Policy
	emitter *Emitter
}

// New creates a queue over an opened, migrated database
func New(db *sql.DB) *Queue {
	policy := NewPolicy(db)
	return &Queue{
		store:   NewStore(db),
		claims:  NewClaimEngine(db),
		leases:  NewLeaseManager(db, policy),
		policy:  policy,
		emitter: NewEmitter(),
	}
}

// Store exposes the underlying job store for read-only query surfaces
func (q *Queue) Store() *Store {
	return q.store
}

// Leases exposes the lease manager (for running a Sweeper)
func (q *Queue) Leases() *LeaseManager {
	return q.leases
}

// Submit inserts a new pending job and returns its ID
func (q *Queue) Submit(ctx context.Context, job *Job) (string, error) {
	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to submit job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Environment: %s", job.Environment))
		return "", err
	}
	q.emitter.notify(job)
	return job.ID, nil
}

// Get retrieves a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// List returns jobs matching the filter
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return q.store.ListJobs(ctx, filter)
}

// GetStats returns queue depth by status
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	return q.store.GetStats(ctx)
}

// Claim atomically claims up to batchSize eligible jobs for workerID
func (q *Queue) Claim(ctx context.Context, environment, workerID string, batchSize int, lease time.Duration) ([]*Job, error) {
	jobs, err := q.claims.Claim(ctx, environment, workerID, batchSize, lease)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		q.emitter.notify(job)
	}
	return jobs, nil
}

// ExtendLease heartbeats a running job. False means the caller no longer owns
// the job and must abandon it.
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string, extension time.Duration) (bool, error) {
	return q.leases.ExtendLease(ctx, jobID, workerID, extension)
}

// Complete records a successful terminal outcome, guarded by ownership
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result []byte) error {
	if err := q.store.CompleteJob(ctx, jobID, workerID, result); err != nil {
		return err
	}
	if job, err := q.store.GetJob(ctx, jobID); err == nil {
		q.emitter.notify(job)
	}
	return nil
}

// Fail reports an error the worker caught itself. Returns false (and no
// mutation) if the worker no longer owns the job.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, jobErr error) (bool, error) {
	job, err := q.policy.OnExplicitFailure(ctx, jobID, workerID, jobErr)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	q.emitter.notify(job)
	return true, nil
}

// Cancel transitions a non-terminal job to Cancelled. A running holder
// observes the cancellation when its next heartbeat returns false.
func (q *Queue) Cancel(ctx context.Context, jobID, reason string) error {
	if err := q.store.CancelJob(ctx, jobID, reason); err != nil {
		return err
	}
	if job, err := q.store.GetJob(ctx, jobID); err == nil {
		q.emitter.notify(job)
	}
	return nil
}

// Retry resubmits a terminal failed/cancelled job as a fresh pending job,
// preserving lineage, and returns the new job's ID
func (q *Queue) Retry(ctx context.Context, jobID string) (string, error) {
	newID, err := q.store.RetryJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job, err := q.store.GetJob(ctx, newID); err == nil {
		q.emitter.notify(job)
	}
	return newID, nil
}

// Sweep reclaims lease-expired running jobs via the retry policy
func (q *Queue) Sweep(ctx context.Context) ([]ReclaimedJob, error) {
	reclaimed, err := q.leases.Sweep(ctx)
	for _, r := range reclaimed {
		q.emitter.notify(r.Job)
	}
	return reclaimed, err
}

// Subscribe returns a channel receiving job transitions
func (q *Queue) Subscribe() chan *Job {
	return q.emitter.Subscribe()
}

// Unsubscribe removes a subscriber channel
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.emitter.Unsubscribe(ch)
}

// Cleanup removes terminal jobs older than the given duration
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.CleanupOldJobs(ctx, olderThan)
}
