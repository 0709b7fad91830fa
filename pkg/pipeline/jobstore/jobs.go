package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
)

var (
	// ErrJobNotFound indicates no job record exists for the identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateSubmission indicates a job for the same city identity
	// tuple was created inside the dedup window.
	ErrDuplicateSubmission = errors.New("duplicate submission")
)

const jobColumns = `job_id, country, region, city, fips_code, status,
	submitted_at, created_at, updated_at,
	destination_bucket, destination_prefix, version,
	cluster_arn, task_arn, task_last_status,
	provision_attempts, launch_attempts, observe_failures, reclaim_attempts,
	task_started_at, task_stopped_at,
	result_json, results_recorded, reclaimed, flagged`

// CreateJob inserts a new job record in provisioning status.
//
// Duplicate submissions for the same sanitized city tuple inside the dedup
// window are collapsed: the insert is rejected with ErrDuplicateSubmission
// and no second record is created. The check and the insert share a
// transaction so concurrent parsers cannot both pass the check.
func (s *Store) CreateJob(ctx context.Context, params pipeline.AnalysisParameters, submittedAt time.Time, dedupWindow time.Duration) (*pipeline.JobRecord, error) {
	p := params.Sanitized()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if dedupWindow > 0 {
		cutoff := formatTime(now.Add(-dedupWindow))
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT job_id FROM jobs
			 WHERE country = ? AND region = ? AND city = ? AND created_at >= ?
			 LIMIT 1`,
			p.Country, p.Region, p.City, cutoff).Scan(&existing)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: job %s already tracks %s, %s, %s",
				ErrDuplicateSubmission, existing, p.City, p.Region, p.Country)
		case errors.Is(err, sql.ErrNoRows):
			// No duplicate, proceed.
		default:
			return nil, fmt.Errorf("dedup check: %w", err)
		}
	}

	jobID := uuid.New()
	nowStr := formatTime(now)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, country, region, city, fips_code, status, submitted_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID.String(), p.Country, p.Region, p.City, p.FIPSCode,
		string(pipeline.StatusProvisioning),
		formatTime(submittedAt), nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job: %w", err)
	}

	return &pipeline.JobRecord{
		JobID:       jobID,
		Params:      p,
		Status:      pipeline.StatusProvisioning,
		SubmittedAt: submittedAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob retrieves a job record by ID.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*pipeline.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID.String())
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// ListJobs returns up to limit job records, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]pipeline.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []pipeline.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetDestination records the prepared destination and advances the job from
// provisioning to ready-to-run. A stale invocation (job already advanced)
// is a no-op reported as pipeline.ErrStaleStatus.
func (s *Store) SetDestination(ctx context.Context, jobID uuid.UUID, bucket, prefix, version string) error {
	return s.conditionalExec(ctx,
		`UPDATE jobs
		 SET destination_bucket = ?, destination_prefix = ?, version = ?,
		     status = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		bucket, prefix, version,
		string(pipeline.StatusReadyToRun), nowRFC3339(),
		jobID.String(), string(pipeline.StatusProvisioning))
}

// RecordTaskHandle records the task run handle and advances the job from
// ready-to-run to running. The guard requires that no handle is recorded
// yet, so at most one handle is ever written per job even under concurrent
// launcher invocations.
func (s *Store) RecordTaskHandle(ctx context.Context, jobID uuid.UUID, handle pipeline.TaskHandle) error {
	return s.conditionalExec(ctx,
		`UPDATE jobs
		 SET cluster_arn = ?, task_arn = ?, task_last_status = ?,
		     status = ?, updated_at = ?
		 WHERE job_id = ? AND status = ? AND task_arn IS NULL`,
		handle.ClusterARN, handle.TaskARN, handle.LastStatus,
		string(pipeline.StatusRunning), nowRFC3339(),
		jobID.String(), string(pipeline.StatusReadyToRun))
}

// UpdateTaskLastStatus refreshes the last observed execution state. Purely
// informational; it never touches the job status.
func (s *Store) UpdateTaskLastStatus(ctx context.Context, jobID uuid.UUID, lastStatus string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET task_last_status = ?, updated_at = ? WHERE job_id = ?`,
		lastStatus, nowRFC3339(), jobID.String())
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// MarkSucceeded advances a running job to succeeded and records the task
// runtime window reported by the runner.
func (s *Store) MarkSucceeded(ctx context.Context, jobID uuid.UUID, startedAt, stoppedAt *time.Time) error {
	return s.conditionalExec(ctx,
		`UPDATE jobs
		 SET status = ?, task_started_at = ?, task_stopped_at = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		string(pipeline.StatusSucceeded),
		nullTime(startedAt), nullTime(stoppedAt), nowRFC3339(),
		jobID.String(), string(pipeline.StatusRunning))
}

// MarkFailed moves a job from any non-terminal status to failed, recording
// the human-readable reason. Failing an already-terminal job is a stale
// no-op.
func (s *Store) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	summary, err := json.Marshal(pipeline.ResultSummary{FailureReason: reason})
	if err != nil {
		return fmt.Errorf("marshal failure summary: %w", err)
	}
	return s.conditionalExec(ctx,
		`UPDATE jobs
		 SET status = ?, result_json = ?, updated_at = ?
		 WHERE job_id = ? AND status NOT IN (?, ?)`,
		string(pipeline.StatusFailed), string(summary), nowRFC3339(),
		jobID.String(),
		string(pipeline.StatusSucceeded), string(pipeline.StatusFailed))
}

// ConvertSucceededToFailed handles the one sanctioned exception to the
// monotonic state machine: a task that reported success but left no
// artifacts behind. Only allowed before results are recorded.
func (s *Store) ConvertSucceededToFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	summary, err := json.Marshal(pipeline.ResultSummary{FailureReason: reason})
	if err != nil {
		return fmt.Errorf("marshal failure summary: %w", err)
	}
	return s.conditionalExec(ctx,
		`UPDATE jobs
		 SET status = ?, result_json = ?, updated_at = ?
		 WHERE job_id = ? AND status = ? AND results_recorded = 0`,
		string(pipeline.StatusFailed), string(summary), nowRFC3339(),
		jobID.String(), string(pipeline.StatusSucceeded))
}

// RecordResults finalizes the result summary on a succeeded job and sets
// the results-recorded marker that gates supporting-resource teardown.
func (s *Store) RecordResults(ctx context.Context, jobID uuid.UUID, summary pipeline.ResultSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal result summary: %w", err)
	}
	return s.conditionalExec(ctx,
		`UPDATE jobs
		 SET result_json = ?, results_recorded = 1, updated_at = ?
		 WHERE job_id = ? AND status = ? AND results_recorded = 0`,
		string(data), nowRFC3339(),
		jobID.String(), string(pipeline.StatusSucceeded))
}

// IncrementAttempt bumps the attempt counter owned by the given stage and
// returns the new value.
func (s *Store) IncrementAttempt(ctx context.Context, jobID uuid.UUID, stage pipeline.Stage) (int, error) {
	var column string
	switch stage {
	case pipeline.StageProvision:
		column = "provision_attempts"
	case pipeline.StageLaunch:
		column = "launch_attempts"
	case pipeline.StageReconcile:
		column = "observe_failures"
	case pipeline.StageReclaim:
		column = "reclaim_attempts"
	default:
		return 0, fmt.Errorf("stage %q has no attempt counter", stage)
	}

	// Column name comes from the switch above, never from input.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = `+column+` + 1, updated_at = ? WHERE job_id = ?`,
		nowRFC3339(), jobID.String())
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	var value int
	if err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM jobs WHERE job_id = ?`, jobID.String()).Scan(&value); err != nil {
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	return value, nil
}

// MarkReclaimed records that teardown completed. Idempotent.
func (s *Store) MarkReclaimed(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET reclaimed = 1, flagged = 0, updated_at = ? WHERE job_id = ?`,
		nowRFC3339(), jobID.String())
	if err != nil {
		return fmt.Errorf("mark reclaimed: %w", err)
	}
	return nil
}

// FlagForOperator marks a job for operator attention (e.g. teardown kept
// failing). Never affects the job status.
func (s *Store) FlagForOperator(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET flagged = 1, updated_at = ? WHERE job_id = ?`,
		nowRFC3339(), jobID.String())
	if err != nil {
		return fmt.Errorf("flag job: %w", err)
	}
	return nil
}

// conditionalExec runs a guarded update and maps "zero rows affected" to
// pipeline.ErrStaleStatus.
func (s *Store) conditionalExec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return pipeline.ErrStaleStatus
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pipeline.JobRecord, error) {
	var (
		rec           pipeline.JobRecord
		jobID         string
		status        string
		submittedAt   string
		createdAt     string
		updatedAt     string
		destBucket    sql.NullString
		destPrefix    sql.NullString
		version       sql.NullString
		clusterARN    sql.NullString
		taskARN       sql.NullString
		taskStatus    sql.NullString
		taskStartedAt sql.NullString
		taskStoppedAt sql.NullString
		resultJSON    sql.NullString
		resultsInt    int
		reclaimedInt  int
		flaggedInt    int
	)

	err := row.Scan(
		&jobID, &rec.Params.Country, &rec.Params.Region, &rec.Params.City, &rec.Params.FIPSCode,
		&status, &submittedAt, &createdAt, &updatedAt,
		&destBucket, &destPrefix, &version,
		&clusterARN, &taskARN, &taskStatus,
		&rec.ProvisionAttempts, &rec.LaunchAttempts, &rec.ObserveFailures, &rec.ReclaimAttempts,
		&taskStartedAt, &taskStoppedAt,
		&resultJSON, &resultsInt, &reclaimedInt, &flaggedInt)
	if err != nil {
		return nil, err
	}

	rec.JobID, err = uuid.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("parse job_id: %w", err)
	}
	rec.Status = pipeline.Status(status)

	if rec.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	rec.DestinationBucket = destBucket.String
	rec.DestinationPrefix = destPrefix.String
	rec.Version = version.String

	if taskARN.Valid && taskARN.String != "" {
		rec.Task = &pipeline.TaskHandle{
			ClusterARN: clusterARN.String,
			TaskARN:    taskARN.String,
			LastStatus: taskStatus.String,
		}
	}

	if taskStartedAt.Valid && taskStartedAt.String != "" {
		t, err := parseTime(taskStartedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse task_started_at: %w", err)
		}
		rec.TaskStartedAt = &t
	}
	if taskStoppedAt.Valid && taskStoppedAt.String != "" {
		t, err := parseTime(taskStoppedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse task_stopped_at: %w", err)
		}
		rec.TaskStoppedAt = &t
	}

	if resultJSON.Valid && resultJSON.String != "" {
		var summary pipeline.ResultSummary
		if err := json.Unmarshal([]byte(resultJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("parse result summary: %w", err)
		}
		rec.Result = &summary
	}

	rec.ResultsRecorded = resultsInt == 1
	rec.Reclaimed = reclaimedInt == 1
	rec.Flagged = flaggedInt == 1

	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
