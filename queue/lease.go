package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robofleet/fleetq/errors"
)

// LeaseManager extends and reclaims job leases.
type LeaseManager struct {
	db     *sql.DB
	policy *Policy
}

// NewLeaseManager creates a lease manager sharing the store's database
func NewLeaseManager(db *sql.DB, policy *Policy) *LeaseManager {
	return &LeaseManager{db: db, policy: policy}
}

// ExtendLease pushes a running job's lease deadline forward by extension.
//
// Succeeds only when the job is Running and held by workerID. A false return
// with nil error means the caller no longer owns the job - it must stop
// working and discard any local state. No mutation happens in that case, so a
// slow or partitioned worker can never clobber a job that has already been
// reclaimed and handed to someone else.
func (m *LeaseManager) ExtendLease(ctx context.Context, jobID, workerID string, extension time.Duration) (bool, error) {
	if extension <= 0 {
		return false, errors.NewInvalidRequestError("extension must be positive, got %s", extension)
	}

	now := time.Now().UTC()
	res, err := m.db.ExecContext(ctx, `
		UPDATE jobs
		SET visible_after = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		now.Add(extension), now,
		jobID, JobStatusRunning, workerID,
	)
	if err != nil {
		// Fail closed: an unconfirmed extension must be treated as lost
		return false, errors.Wrap(errors.ErrStoreUnavailable, errors.Wrap(err, "extend lease failed").Error())
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// ReclaimOutcome describes what the retry policy decided for a swept job
type ReclaimOutcome string

const (
	ReclaimRequeued ReclaimOutcome = "requeued" // Back to pending, retry_count incremented
	ReclaimFailed   ReclaimOutcome = "failed"   // Retries exhausted, terminally failed
)

// ReclaimedJob reports one job recovered by a sweep
type ReclaimedJob struct {
	Job     *Job
	Outcome ReclaimOutcome
}

// Sweep finds running jobs whose lease expired without a heartbeat and hands
// each to the retry policy. This is the crash-recovery path: a worker that
// died mid-execution never heartbeats again, so its jobs surface here without
// any explicit failure signal from the dead process.
//
// Safe to run redundantly from multiple nodes: the policy's conditional update
// re-checks expiry, so a job already handled by another sweeper (or rescued by
// a late heartbeat) is skipped.
func (m *LeaseManager) Sweep(ctx context.Context) ([]ReclaimedJob, error) {
	now := time.Now().UTC()

	rows, err := m.db.QueryContext(ctx,
		`SELECT `+jobSelectColumns()+` FROM jobs WHERE status = ? AND visible_after < ?`,
		JobStatusRunning, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select expired jobs")
	}
	expired, err := scanJobs(rows, "expired jobs")
	rows.Close()
	if err != nil {
		return nil, err
	}

	var reclaimed []ReclaimedJob
	for _, job := range expired {
		select {
		case <-ctx.Done():
			return reclaimed, ctx.Err()
		default:
		}

		updated, err := m.policy.OnLeaseExpired(ctx, job.ID)
		if err != nil {
			return reclaimed, errors.Wrapf(err, "failed to reclaim job %s", job.ID)
		}
		if updated == nil {
			// Lost the race: heartbeat arrived or another sweeper got there first
			continue
		}

		outcome := ReclaimRequeued
		if updated.Status == JobStatusFailed {
			outcome = ReclaimFailed
		}
		reclaimed = append(reclaimed, ReclaimedJob{Job: updated, Outcome: outcome})
	}

	return reclaimed, nil
}

// Sweeper runs Sweep on a fixed interval until stopped.
type Sweeper struct {
	leases   *LeaseManager
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
}

// NewSweeper creates a periodic sweeper. A good interval is half the default
// lease so expired jobs are reclaimed promptly.
func NewSweeper(ctx context.Context, leases *LeaseManager, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		leases:   leases,
		interval: interval,
		ctx:      sweepCtx,
		cancel:   cancel,
		logger:   logger.Named("sweeper"),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Sweeper started", "interval", s.interval)
}

// Stop gracefully stops the sweep loop
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := s.leases.Sweep(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warnw("Sweep failed", "error", err)
				continue
			}
			for _, r := range reclaimed {
				s.logger.Infow("Reclaimed expired job",
					"job_id", r.Job.ID,
					"outcome", r.Outcome,
					"retry_count", r.Job.RetryCount,
					"max_retries", r.Job.MaxRetries,
				)
			}
		}
	}
}
