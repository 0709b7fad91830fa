// Package runner abstracts the externally managed container execution that
// performs the actual analysis. The orchestrator only starts tasks,
// observes their state, and stops them; it never waits on one.
package runner

import (
	"context"
	"time"
)

// Task execution states, normalized from the underlying runtime.
const (
	StateProvisioning = "PROVISIONING"
	StatePending      = "PENDING"
	StateRunning      = "RUNNING"
	StateDeactivating = "DEACTIVATING"
	StateStopping     = "STOPPING"
	StateStopped      = "STOPPED"
)

// TaskSpec describes one analysis task to start.
type TaskSpec struct {
	// Destination the task exports its artifacts to.
	Bucket string
	Prefix string

	// City identity passed to the analysis command.
	Country  string
	City     string
	Region   string
	FIPSCode string
}

// TaskStatus is a point-in-time observation of a task.
type TaskStatus struct {
	State         string
	ExitCode      *int32
	StoppedReason string
	StartedAt     *time.Time
	StoppedAt     *time.Time
}

// Terminal reports whether the task has reached a final state.
func (s TaskStatus) Terminal() bool {
	return s.State == StateStopped
}

// Succeeded reports whether a terminal task completed cleanly.
func (s TaskStatus) Succeeded() bool {
	return s.Terminal() && s.ExitCode != nil && *s.ExitCode == 0
}

// TaskRunner starts, observes, and stops analysis tasks.
type TaskRunner interface {
	// Start launches a task and returns its cluster and task identifiers.
	Start(ctx context.Context, spec TaskSpec) (clusterARN, taskARN string, err error)

	// Describe observes the current state of a previously started task.
	Describe(ctx context.Context, clusterARN, taskARN string) (*TaskStatus, error)

	// Stop requests termination of a task. Stopping an already-stopped
	// task is not an error.
	Stop(ctx context.Context, clusterARN, taskARN, reason string) error
}
