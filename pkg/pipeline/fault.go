package pipeline

import (
	"errors"
	"fmt"
)

// FaultKind classifies an orchestration failure.
//
// The kind decides what the dispatcher does next: transient faults are
// retried with backoff up to the stage's attempt budget, everything else is
// terminal for the job.
type FaultKind string

const (
	// FaultValidation is a permanent failure of an inbound submission.
	// The message is dead-lettered, never retried.
	FaultValidation FaultKind = "validation"

	// FaultTransient is a temporary infrastructure failure (throttling,
	// capacity, unavailability). Retried with bounded exponential backoff.
	FaultTransient FaultKind = "transient"

	// FaultTask means the analysis task itself failed. Permanent from the
	// orchestrator's point of view; the analysis is not re-run here.
	FaultTask FaultKind = "task"

	// FaultTimeout means the observation window elapsed without a terminal
	// task state. Forces the job to failed and stops the task best-effort.
	FaultTimeout FaultKind = "timeout"

	// FaultReclaim is a teardown failure. Logged and retried; never blocks
	// a job from being considered done.
	FaultReclaim FaultKind = "reclaim"
)

// Fault carries a classified failure reason through the dispatcher.
type Fault struct {
	Kind   FaultKind
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Transient wraps err as a retryable infrastructure fault.
func Transient(reason string, err error) *Fault {
	return &Fault{Kind: FaultTransient, Reason: reason, Err: err}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == FaultTransient
}

// KindOf returns the fault kind for err, or FaultTransient when err carries
// no classification. Treating unknown errors as transient matches the
// at-least-once delivery model: an unclassified error gets another chance
// before the attempt budget forces a terminal failure.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultTransient
}

// ReasonOf extracts the human-readable reason recorded on the job record
// when err turns out to be terminal.
func ReasonOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		if f.Err != nil {
			return fmt.Sprintf("%s: %v", f.Reason, f.Err)
		}
		return f.Reason
	}
	return err.Error()
}

// ErrStaleStatus is returned by conditional job updates when the record has
// already moved past the status the caller expected to act on. Handlers
// treat it as a successful no-op; it is how duplicate and out-of-order
// triggers stay safe.
var ErrStaleStatus = errors.New("job status changed since read")
