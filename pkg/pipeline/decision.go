package pipeline

import "time"

// Decision tells the dispatcher what to do with a trigger after its
// handler returned without error.
type Decision struct {
	// Requeue re-schedules the same stage for the same job instead of
	// completing the trigger. Used by polling stages.
	Requeue bool

	// Delay is how long the requeued trigger stays invisible.
	Delay time.Duration
}

// Done completes the trigger with no follow-up.
func Done() Decision { return Decision{} }

// Again re-schedules the stage after delay.
func Again(delay time.Duration) Decision {
	return Decision{Requeue: true, Delay: delay}
}
