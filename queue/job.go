// Package queue implements the fleetq durable job queue: the job store,
// the atomic claim engine, lease management, and the retry/failure policy.
//
// The jobs table is the single source of truth. Every mutation of the
// coordination fields (status, claimed_by, visible_after, retry_count) is a
// single conditional UPDATE, so correctness never depends on application-side
// read-modify-write sequences.
package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/robofleet/fleetq/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// EnvironmentDefault is the wildcard routing tag. Jobs tagged with it are
// claimable by every worker regardless of the worker's own tags.
const EnvironmentDefault = "default"

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a unit of work submitted for execution by a robot.
//
// ARCHITECTURE: Generic job system with handler-based execution
// - Infrastructure (queue) is domain-agnostic
// - Domain packages provide handlers and payloads
// - HandlerName identifies which handler executes the job
// - Payload contains handler-specific data (domain logic controls structure)
//
// While Running, VisibleAfter is the lease deadline: the holder pushes it
// forward with heartbeats, and the sweeper reclaims the job once it lapses.
type Job struct {
	ID           string          `json:"id"`
	HandlerName  string          `json:"handler_name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Environment  string          `json:"environment"`
	Status       JobStatus       `json:"status"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	VisibleAfter time.Time       `json:"visible_after"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ParentJobID  string          `json:"parent_job_id,omitempty"` // Lineage for resubmitted jobs
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJob creates a pending job ready for submission.
//
// Example:
//
//	payload, _ := json.Marshal(RunWorkflowPayload{WorkflowID: "wf-7", Inputs: vars})
//	job, _ := queue.NewJob("workflow.run", payload, 10, "production", 3)
func NewJob(handlerName string, payload json.RawMessage, priority int, environment string, maxRetries int) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	if maxRetries < 0 {
		return nil, errors.Newf("maxRetries cannot be negative: %d", maxRetries)
	}
	environment = strings.TrimSpace(environment)
	if environment == "" {
		environment = EnvironmentDefault
	}

	now := time.Now().UTC()
	return &Job{
		ID:           "jb_" + uuid.NewString(),
		HandlerName:  handlerName,
		Payload:      payload,
		Priority:     priority,
		Environment:  environment,
		Status:       JobStatusPending,
		VisibleAfter: now, // Eligible for claiming immediately
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// LeaseExpired reports whether a running job's lease has lapsed at the given
// instant. Only meaningful for Running jobs.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusRunning && j.VisibleAfter.Before(now)
}
