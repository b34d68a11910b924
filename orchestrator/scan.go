package orchestrator

import (
	"database/sql"

	"github.com/ontoplane/ontos/errors"
)

// jobColumns is the canonical column list used by every job SELECT.
// Keep in sync with jobScanTargets.
const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	last_error, locked_by, locked_at, next_attempt_at, idempotency_key,
	parent_job_id, integration_job_id, created_at, updated_at, completed_at`

// jobScanArgs holds the nullable column targets for scanning a job row
type jobScanArgs struct {
	Payload          sql.NullString
	LastError        sql.NullString
	LockedBy         sql.NullString
	LockedAt         sql.NullTime
	IdempotencyKey   sql.NullString
	ParentJobID      sql.NullString
	IntegrationJobID sql.NullString
	CompletedAt      sql.NullTime
}

// jobScanTargets returns scan destinations in jobColumns order
func jobScanTargets(j *Job, args *jobScanArgs) []any {
	return []any{
		&j.ID, &j.JobType, &args.Payload, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &args.LastError, &args.LockedBy,
		&args.LockedAt, &j.NextAttemptAt, &args.IdempotencyKey,
		&args.ParentJobID, &args.IntegrationJobID,
		&j.CreatedAt, &j.UpdatedAt, &args.CompletedAt,
	}
}

// processJobScanArgs copies the nullable values into the job
func processJobScanArgs(j *Job, args *jobScanArgs) {
	if args.Payload.Valid {
		j.Payload = []byte(args.Payload.String)
	}
	if args.LastError.Valid {
		j.LastError = args.LastError.String
	}
	if args.LockedBy.Valid {
		j.LockedBy = args.LockedBy.String
	}
	if args.LockedAt.Valid {
		t := args.LockedAt.Time
		j.LockedAt = &t
	}
	if args.IdempotencyKey.Valid {
		j.IdempotencyKey = args.IdempotencyKey.String
	}
	if args.ParentJobID.Valid {
		j.ParentJobID = args.ParentJobID.String
	}
	if args.IntegrationJobID.Valid {
		j.IntegrationJobID = args.IntegrationJobID.String
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		j.CompletedAt = &t
	}
}

func scanJobRow(row *sql.Row) (*Job, error) {
	var j Job
	var args jobScanArgs
	if err := row.Scan(jobScanTargets(&j, &args)...); err != nil {
		return nil, err
	}
	processJobScanArgs(&j, &args)
	return &j, nil
}

func scanJobRows(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var j Job
		var args jobScanArgs
		if err := rows.Scan(jobScanTargets(&j, &args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		processJobScanArgs(&j, &args)
		jobs = append(jobs, &j)
	}
	return jobs, errors.Wrap(rows.Err(), "error iterating jobs")
}
