package queue

import (
	"database/sql"
)

// jobScanArgs holds the nullable column targets for scanning a job row
type jobScanArgs struct {
	Payload     sql.NullString
	ClaimedBy   sql.NullString
	LastError   sql.NullString
	Result      sql.NullString
	ParentJobID sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// jobScanTargets returns scan destinations for the job and its nullable args,
// in the order produced by jobSelectColumns
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.HandlerName,
		&args.Payload,
		&job.Priority,
		&job.Environment,
		&job.Status,
		&args.ClaimedBy,
		&job.VisibleAfter,
		&job.RetryCount,
		&job.MaxRetries,
		&args.LastError,
		&args.Result,
		&args.ParentJobID,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// applyJobScanArgs copies the nullable columns into the job struct
func applyJobScanArgs(job *Job, args *jobScanArgs) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.ClaimedBy.Valid {
		job.ClaimedBy = args.ClaimedBy.String
	}
	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	if args.Result.Valid {
		job.Result = []byte(args.Result.String)
	}
	if args.ParentJobID.Valid {
		job.ParentJobID = args.ParentJobID.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.VisibleAfter = job.VisibleAfter.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	applyJobScanArgs(job, args)
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	applyJobScanArgs(job, args)
	return nil
}

// jobSelectColumns is the standard column list for job SELECT queries
func jobSelectColumns() string {
	return `id, handler_name, payload, priority, environment, status,
		claimed_by, visible_after, retry_count, max_retries,
		last_error, result, parent_job_id,
		created_at, started_at, completed_at, updated_at`
}
