package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the job store and are part of the
// stable on-disk contract.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReadyToRun   Status = "ready-to-run"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further stage-driven transitions occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// rank orders statuses along the state machine. Failed sorts last so that
// the monotonic guard allows failed from every non-terminal state.
func (s Status) rank() int {
	switch s {
	case StatusProvisioning:
		return 0
	case StatusReadyToRun:
		return 1
	case StatusRunning:
		return 2
	case StatusSucceeded:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next respects the
// monotonic state machine:
//
//	provisioning → ready-to-run → running → succeeded | failed
//
// failed is reachable from every non-terminal state; nothing leaves a
// terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() == s.rank()+1 && next != StatusFailed
}

// Stage identifies one of the cooperating handlers. Stages are the routing
// key of the trigger queue.
type Stage string

const (
	StageProvision Stage = "provision"
	StageLaunch    Stage = "launch"
	StageReconcile Stage = "reconcile"
	StageCollect   Stage = "collect"
	StageReclaim   Stage = "reclaim"
)

// JobRequest is the immutable, validated form of a submission. It is
// created once by the submission parser and only ever read afterwards.
type JobRequest struct {
	JobID       uuid.UUID
	Params      AnalysisParameters
	SubmittedAt time.Time
}

// TaskHandle is the opaque reference to the externally managed container
// execution, plus the last execution state observed for it.
type TaskHandle struct {
	ClusterARN string `json:"cluster_arn,omitempty"`
	TaskARN    string `json:"task_arn"`
	LastStatus string `json:"last_status,omitempty"`
}

// ResultSummary is the terminal outcome recorded on a job record.
type ResultSummary struct {
	ArtifactKeys   []string `json:"artifact_keys,omitempty"`
	OverallScore   *float64 `json:"overall_score,omitempty"`
	ElapsedSeconds int64    `json:"elapsed_seconds,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
}

// JobRecord is the single durable, mutable record tracking a job through
// its lifecycle. Every write to it is conditional on the previously read
// status; see the jobstore package.
type JobRecord struct {
	JobID       uuid.UUID
	Params      AnalysisParameters
	Status      Status
	SubmittedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Destination prepared by the provisioner.
	DestinationBucket string
	DestinationPrefix string
	Version           string

	// Task run handle recorded by the launcher, at most once per job.
	Task *TaskHandle

	// Attempt counters per stage responsibility.
	ProvisionAttempts int
	LaunchAttempts    int
	ObserveFailures   int
	ReclaimAttempts   int

	// Task runtime accounting, filled by the reconciler on completion.
	TaskStartedAt *time.Time
	TaskStoppedAt *time.Time

	// Terminal result.
	Result *ResultSummary

	// ResultsRecorded gates whether the reclaimer may remove supporting
	// resources on a succeeded job.
	ResultsRecorded bool

	// Reclaimed is set once teardown is confirmed. Flagged marks a job for
	// operator attention after the reclaimer exhausted its retries.
	Reclaimed bool
	Flagged   bool
}

// Request returns the immutable request view of the record.
func (r *JobRecord) Request() JobRequest {
	return JobRequest{JobID: r.JobID, Params: r.Params, SubmittedAt: r.SubmittedAt}
}
