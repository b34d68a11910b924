// Package orchestrator provides the durable multi-worker job queue:
// enqueue, lease, execute, retry with backoff, dead-letter.
//
// All scheduling state lives in the shared queue table so it survives
// restarts. Cross-process mutual exclusion for a single job is a
// conditional row update (WHERE id = ? AND status = 'QUEUED') - there is
// no external lock manager and no held connection.
package orchestrator

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job.
// Transitions are strictly forward; DEAD_LETTER is terminal.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// Terminal reports whether a status admits no further transitions
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLetter
}

// Built-in job types. An unrecognized type is not special-cased: it fails
// like any other handler error and follows the backoff/DLQ path.
const (
	JobTypeIntegrationSync    = "INTEGRATION_SYNC"
	JobTypeTelemetryTrigger   = "TELEMETRY_ROLLUP_TRIGGER"
	JobTypeTelemetryRollup    = "TELEMETRY_ROLLUP"
	JobTypeRelationshipDecay  = "RELATIONSHIP_DECAY"
	JobTypeSystemPing         = "SYSTEM_PING"
	JobTypeIdentityResolution = "IDENTITY_RESOLUTION"
)

// DefaultMaxAttempts is the retry budget when enqueue does not specify one
const DefaultMaxAttempts = 3

// Job is one row of the durable queue
type Job struct {
	ID               string          `json:"id"`
	JobType          string          `json:"job_type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           JobStatus       `json:"status"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	LastError        string          `json:"last_error,omitempty"`
	LockedBy         string          `json:"locked_by,omitempty"`
	LockedAt         *time.Time      `json:"locked_at,omitempty"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	ParentJobID      string          `json:"parent_job_id,omitempty"`
	IntegrationJobID string          `json:"integration_job_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Exhausted reports whether the retry budget is spent
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// BackoffDelay returns the exponential retry delay after the given
// attempt count: 2^attempts seconds.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16 // cap at ~18h; beyond this the job belongs in the DLQ anyway
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

// WorkerStatus is the liveness state of one worker process
type WorkerStatus string

const (
	WorkerStatusActive  WorkerStatus = "ACTIVE"
	WorkerStatusOffline WorkerStatus = "OFFLINE"
)

// Worker is one registered worker process. Heartbeats are best-effort
// liveness signals; lease reclamation uses locked_at on the job row, not
// these rows.
type Worker struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	PID           int          `json:"pid"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	StartedAt     time.Time    `json:"started_at"`
}
