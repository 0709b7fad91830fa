package runner

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scriptable TaskRunner for tests and local dry runs. Tasks
// advance only when the test tells them to.
type Fake struct {
	mu     sync.Mutex
	nextID int
	tasks  map[string]*TaskStatus
	specs  map[string]TaskSpec

	// StartErr, when set, is returned by Start instead of launching.
	StartErr error

	// DescribeErr, when set, is returned by Describe.
	DescribeErr error

	stopped []string
}

var _ TaskRunner = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		tasks: make(map[string]*TaskStatus),
		specs: make(map[string]TaskSpec),
	}
}

func (f *Fake) Start(ctx context.Context, spec TaskSpec) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return "", "", f.StartErr
	}

	f.nextID++
	taskARN := fmt.Sprintf("arn:fake:task/%d", f.nextID)
	f.tasks[taskARN] = &TaskStatus{State: StateProvisioning}
	f.specs[taskARN] = spec
	return "arn:fake:cluster", taskARN, nil
}

func (f *Fake) Describe(ctx context.Context, clusterARN, taskARN string) (*TaskStatus, error) {
	_ = clusterARN
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	status, ok := f.tasks[taskARN]
	if !ok {
		return &TaskStatus{State: StateStopped, StoppedReason: "unknown task"}, nil
	}
	copied := *status
	return &copied, nil
}

func (f *Fake) Stop(ctx context.Context, clusterARN, taskARN, reason string) error {
	_ = clusterARN
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, taskARN)
	if status, ok := f.tasks[taskARN]; ok {
		status.State = StateStopped
		status.StoppedReason = reason
	}
	return nil
}

// SetStatus overrides the observed state of a task.
func (f *Fake) SetStatus(taskARN string, status TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskARN] = &status
}

// Spec returns the spec a task was started with.
func (f *Fake) Spec(taskARN string) (TaskSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[taskARN]
	return spec, ok
}

// Stopped returns the task ARNs Stop was called for, in order.
func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// Started returns how many tasks were started.
func (f *Fake) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}
