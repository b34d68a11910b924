package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
)

// claimRetries bounds how many candidate rows one ClaimNext call races for
// before reporting the queue as contended-empty
const claimRetries = 3

// Store persists the durable job queue and the worker registry
type Store struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	timeNow func() time.Time // Injectable for testing
}

// NewStore creates a job store
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:      db,
		logger:  logger.Named("orchestrator"),
		timeNow: time.Now,
	}
}

// EnqueueOptions carries the optional enqueue parameters
type EnqueueOptions struct {
	IdempotencyKey   string
	Priority         int
	MaxAttempts      int
	ParentJobID      string
	IntegrationJobID string
	Delay            time.Duration
}

// Enqueue inserts a new QUEUED job. When an idempotency key is given and a
// job with that key already exists, the existing job is returned unchanged
// regardless of its status - re-enqueueing a completed job does not revive
// it.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	if jobType == "" {
		return nil, errors.NewInvalidRequestError("job type cannot be empty")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	now := s.timeNow().UTC()
	job := &Job{
		ID:               uuid.NewString(),
		JobType:          jobType,
		Payload:          payload,
		Status:           JobStatusQueued,
		Priority:         opts.Priority,
		MaxAttempts:      opts.MaxAttempts,
		NextAttemptAt:    now.Add(opts.Delay),
		IdempotencyKey:   opts.IdempotencyKey,
		ParentJobID:      opts.ParentJobID,
		IntegrationJobID: opts.IntegrationJobID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_queue
		 (id, job_type, payload, status, priority, attempts, max_attempts,
		  next_attempt_at, idempotency_key, parent_job_id, integration_job_id,
		  created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobType, nullString(string(job.Payload)), job.Status, job.Priority,
		job.MaxAttempts, job.NextAttemptAt, nullString(job.IdempotencyKey),
		nullString(job.ParentJobID), nullString(job.IntegrationJobID),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to enqueue %s job", jobType)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		// Idempotency key collision - hand back the earlier job
		existing, err := s.getJobByKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load deduplicated job for key %s", opts.IdempotencyKey)
		}
		return existing, nil
	}

	s.logger.Debugw("Job enqueued", "job_id", job.ID, "job_type", jobType, "priority", job.Priority)
	return job, nil
}

// GetJob loads one job by ID
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`, jobID)
	job, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	return job, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE idempotency_key = ?`, key)
	return scanJobRow(row)
}

// ClaimNext atomically leases the next runnable job for a worker and
// returns it with status RUNNING and attempts incremented. Returns
// (nil, nil) when nothing is runnable.
//
// The lease is a compare-and-set on status: of N workers racing for the
// same row, exactly one UPDATE matches status = 'QUEUED'. Losers retry on
// the next candidate.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		now := s.timeNow().UTC()

		var jobID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM job_queue
			 WHERE status = ?
			   AND next_attempt_at <= ?
			   AND (parent_job_id IS NULL OR EXISTS (
			        SELECT 1 FROM job_queue p
			        WHERE p.id = job_queue.parent_job_id AND p.status = ?))
			 ORDER BY priority DESC, next_attempt_at ASC, created_at ASC
			 LIMIT 1`,
			JobStatusQueued, now, JobStatusCompleted,
		).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to select claimable job")
		}

		result, err := s.db.ExecContext(ctx,
			`UPDATE job_queue
			 SET status = ?, locked_by = ?, locked_at = ?, attempts = attempts + 1, updated_at = ?
			 WHERE id = ? AND status = ?`,
			JobStatusRunning, workerID, now, now, jobID, JobStatusQueued,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %s", jobID)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if rows == 0 {
			// Another worker won the race for this row
			continue
		}
		return s.GetJob(ctx, jobID)
	}
	return nil, nil
}

// Complete marks a RUNNING job owned by workerID as COMPLETED. A stale
// worker whose lease was reclaimed cannot clobber the row: the guard on
// (status, locked_by) makes its update a no-op error.
func (s *Store) Complete(ctx context.Context, jobID, workerID string) error {
	now := s.timeNow().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = ?, locked_by = NULL, locked_at = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		JobStatusCompleted, now, now, jobID, JobStatusRunning, workerID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewInvalidStateError("job %s is not running for worker %s", jobID, workerID)
	}
	return nil
}

// Fail records a failed attempt for a RUNNING job owned by workerID.
// With budget remaining the job is re-queued with exponential backoff
// (2^attempts seconds); once the budget is spent it moves to DEAD_LETTER,
// which is terminal. The last error is preserved either way.
func (s *Store) Fail(ctx context.Context, jobID, workerID string, jobErr error) (*Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusRunning || job.LockedBy != workerID {
		return nil, errors.NewInvalidStateError("job %s is not running for worker %s", jobID, workerID)
	}

	now := s.timeNow().UTC()
	message := ""
	if jobErr != nil {
		message = jobErr.Error()
	}

	if job.Exhausted() {
		result, err := s.db.ExecContext(ctx,
			`UPDATE job_queue
			 SET status = ?, last_error = ?, locked_by = NULL, locked_at = NULL,
			     completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND locked_by = ?`,
			JobStatusDeadLetter, message, now, now, jobID, JobStatusRunning, workerID,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dead-letter job %s", jobID)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil, errors.NewInvalidStateError("job %s is not running for worker %s", jobID, workerID)
		}
		s.logger.Warnw("Job moved to dead letter queue",
			"job_id", jobID, "job_type", job.JobType,
			"attempts", job.Attempts, "error", message)
		return s.GetJob(ctx, jobID)
	}

	nextAttempt := now.Add(BackoffDelay(job.Attempts))
	result, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = ?, last_error = ?, locked_by = NULL, locked_at = NULL,
		     next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		JobStatusQueued, message, nextAttempt, now, jobID, JobStatusRunning, workerID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to requeue job %s", jobID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.NewInvalidStateError("job %s is not running for worker %s", jobID, workerID)
	}
	s.logger.Infow("Job failed, retrying with backoff",
		"job_id", jobID, "job_type", job.JobType,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
		"next_attempt_at", nextAttempt, "error", message)
	return s.GetJob(ctx, jobID)
}

// ReclaimExpiredLeases returns RUNNING jobs whose lease is older than
// leaseTimeout to QUEUED so live workers can retry them. The attempt that
// held the expired lease already consumed budget at claim time, so
// attempts is not touched here.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	now := s.timeNow().UTC()
	cutoff := now.Add(-leaseTimeout)
	result, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = ?, locked_by = NULL, locked_at = NULL, next_attempt_at = ?, updated_at = ?
		 WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		JobStatusQueued, now, now, JobStatusRunning, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reclaim expired leases")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		s.logger.Warnw("Reclaimed expired job leases", "count", rows, "lease_timeout", leaseTimeout)
	}
	return rows, nil
}

// ListJobs returns jobs, newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]*Job, error) {
	if status != "" && !IsValidStatus(status) {
		return nil, errors.NewInvalidRequestError("unknown job status %q", status)
	}
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM job_queue
			 WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM job_queue
			 ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// CountByStatus returns the number of jobs per status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	return counts, errors.Wrap(rows.Err(), "error iterating job counts")
}

// Purge deletes terminal jobs that finished before the retention window.
// QUEUED and RUNNING jobs are never purged.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.timeNow().UTC().Add(-retention)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM job_queue
		 WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		JobStatusCompleted, JobStatusDeadLetter, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		s.logger.Infow("Purged finished jobs", "count", rows, "retention", retention)
	}
	return rows, nil
}

// RegisterWorker records this process in the worker registry
func (s *Store) RegisterWorker(ctx context.Context) (*Worker, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := s.timeNow().UTC()
	worker := &Worker{
		ID:            uuid.NewString(),
		Hostname:      hostname,
		PID:           os.Getpid(),
		Status:        WorkerStatusActive,
		LastHeartbeat: now,
		StartedAt:     now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_workers (id, hostname, pid, status, last_heartbeat, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		worker.ID, worker.Hostname, worker.PID, worker.Status, worker.LastHeartbeat, worker.StartedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register worker")
	}
	s.logger.Infow("Worker registered", "worker_id", worker.ID, "hostname", hostname, "pid", worker.PID)
	return worker, nil
}

// Heartbeat refreshes a worker's liveness timestamp
func (s *Store) Heartbeat(ctx context.Context, workerID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE job_workers SET last_heartbeat = ? WHERE id = ?`,
		s.timeNow().UTC(), workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat worker %s", workerID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("worker not found: %s", workerID)
	}
	return nil
}

// MarkOffline records a clean worker shutdown
func (s *Store) MarkOffline(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_workers SET status = ?, last_heartbeat = ? WHERE id = ?`,
		WorkerStatusOffline, s.timeNow().UTC(), workerID)
	return errors.Wrapf(err, "failed to mark worker %s offline", workerID)
}

// ListWorkers returns all registered workers, most recent heartbeat first
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, pid, status, last_heartbeat, started_at
		 FROM job_workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &w.Status, &w.LastHeartbeat, &w.StartedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		workers = append(workers, &w)
	}
	return workers, errors.Wrap(rows.Err(), "error iterating workers")
}

// nullString maps "" to NULL so unique indexes on optional columns
// (idempotency_key) ignore absent values
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
