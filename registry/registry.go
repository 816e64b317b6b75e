// Package registry tracks known robots, their routing tags, and liveness.
//
// Registry state is advisory: routing and operator dashboards read it, but
// job safety never depends on it. A robot marked offline keeps its job leases
// until they expire on their own - worker liveness and job liveness are
// deliberately separate failure domains.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/robofleet/fleetq/errors"
	"github.com/robofleet/fleetq/queue"
)

// WorkerStatus represents a robot's advisory liveness state. Only offline is
// persisted (by the reaper); idle vs busy is derived from the robot's load in
// the jobs table at read time, so it can never go stale.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Worker is a registered robot
type Worker struct {
	ID                string          `json:"id"`
	Environments      []string        `json:"environments"`
	MaxConcurrentJobs int             `json:"max_concurrent_jobs"`
	Status            WorkerStatus    `json:"status"`
	Metrics           json.RawMessage `json:"metrics,omitempty"` // Last reported heartbeat metrics
	RegisteredAt      time.Time       `json:"registered_at"`
	LastHeartbeat     time.Time       `json:"last_heartbeat"`
}

// WorkerInfo is a Worker plus its load derived from the jobs table.
// CurrentJobs is recomputed on every read; the workers table never stores it,
// so it cannot drift from the truth under crashes or partitions.
type WorkerInfo struct {
	Worker
	CurrentJobs int `json:"current_jobs"`
}

// Registry persists worker records
type Registry struct {
	db *sql.DB
}

// New creates a registry over an opened, migrated database
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register creates or updates a worker record. Idempotent by worker id:
// re-registering after a restart updates metadata and refreshes the
// heartbeat rather than erroring or duplicating the record.
func (r *Registry) Register(ctx context.Context, w *Worker) error {
	if w.ID == "" {
		return errors.NewInvalidRequestError("worker id cannot be empty")
	}
	if w.MaxConcurrentJobs <= 0 {
		return errors.NewInvalidRequestError("worker %s max_concurrent_jobs must be positive, got %d", w.ID, w.MaxConcurrentJobs)
	}
	envs := w.Environments
	if len(envs) == 0 {
		envs = []string{queue.EnvironmentDefault}
	}
	envsJSON, err := json.Marshal(envs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal environments")
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workers (id, environments, max_concurrent_jobs, status, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			environments        = excluded.environments,
			max_concurrent_jobs = excluded.max_concurrent_jobs,
			status              = excluded.status,
			last_heartbeat      = MAX(last_heartbeat, excluded.last_heartbeat)`,
		w.ID, string(envsJSON), w.MaxConcurrentJobs, WorkerStatusIdle, now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to register worker %s", w.ID)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness and records its latest metrics.
// A worker the reaper marked offline comes back to idle on its next ping.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, metrics json.RawMessage) error {
	now := time.Now().UTC()
	metricsVal := sql.NullString{String: string(metrics), Valid: len(metrics) > 0}

	res, err := r.db.ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat = ?,
		    metrics = COALESCE(?, metrics),
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?`,
		now, metricsVal, WorkerStatusOffline, WorkerStatusIdle, workerID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat worker %s", workerID)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("worker %s", workerID)
	}
	return nil
}

// GetWorker retrieves a single worker with derived load
func (r *Registry) GetWorker(ctx context.Context, workerID string) (*WorkerInfo, error) {
	row := r.db.QueryRowContext(ctx, workerSelect+` WHERE w.id = ?`, workerID)
	info, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("worker %s", workerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get worker %s", workerID)
	}
	return info, nil
}

// ListWorkers returns all registered workers with derived load, most recently
// alive first
func (r *Registry) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	rows, err := r.db.QueryContext(ctx, workerSelect+` ORDER BY w.last_heartbeat DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	var workers []*WorkerInfo
	for rows.Next() {
		info, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		workers = append(workers, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating workers")
	}
	return workers, nil
}

// ListEligible returns IDs of non-offline workers that can serve the given
// environment (exact tag match or the universal "default" tag). Used by
// routing and metrics; the claim engine filters by environment directly
// against jobs and never consults this.
func (r *Registry) ListEligible(ctx context.Context, environment string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM workers w
		WHERE w.status != ?
		  AND EXISTS (
			SELECT 1 FROM json_each(w.environments)
			WHERE json_each.value = ? OR json_each.value = ?
		  )
		ORDER BY w.id`,
		WorkerStatusOffline, environment, queue.EnvironmentDefault,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list eligible workers")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating eligible workers")
	}
	return ids, nil
}

// Reap marks workers offline whose last heartbeat is older than threshold.
// Advisory only: it never touches the jobs table, so in-flight jobs of a
// partitioned worker survive until their own leases lapse. Returns the number
// of workers transitioned.
func (r *Registry) Reap(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	res, err := r.db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE status != ? AND last_heartbeat < ?`,
		WorkerStatusOffline, WorkerStatusOffline, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reap workers")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

const workerSelect = `
	SELECT w.id, w.environments, w.max_concurrent_jobs, w.status, w.metrics,
	       w.registered_at, w.last_heartbeat,
	       (SELECT COUNT(*) FROM jobs j WHERE j.claimed_by = w.id AND j.status = 'running') AS current_jobs
	FROM workers w`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*WorkerInfo, error) {
	var info WorkerInfo
	var envsJSON string
	var metrics sql.NullString

	if err := row.Scan(
		&info.ID,
		&envsJSON,
		&info.MaxConcurrentJobs,
		&info.Status,
		&metrics,
		&info.RegisteredAt,
		&info.LastHeartbeat,
		&info.CurrentJobs,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(envsJSON), &info.Environments); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal environments for worker %s", info.ID)
	}
	if metrics.Valid {
		info.Metrics = []byte(metrics.String)
	}
	info.RegisteredAt = info.RegisteredAt.UTC()
	info.LastHeartbeat = info.LastHeartbeat.UTC()

	// Busy is derived, never stored: the jobs table is the source of truth
	// for load, and a stored flag would drift from it under crashes
	if info.Status != WorkerStatusOffline {
		if info.CurrentJobs > 0 {
			info.Status = WorkerStatusBusy
		} else {
			info.Status = WorkerStatusIdle
		}
	}

	return &info, nil
}
