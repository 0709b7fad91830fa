package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/runner"
)

type fixture struct {
	jobs  *jobstore.Store
	tasks *runner.Fake
	rec   *pipeline.JobRecord
	arn   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	jobs, err := jobstore.Open(ctx, jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	tasks := runner.NewFake()
	clusterARN, taskARN, err := tasks.Start(ctx, runner.TaskSpec{Country: "spain", City: "valencia"})
	require.NoError(t, err)

	rec, err := jobs.CreateJob(ctx, pipeline.AnalysisParameters{
		Country: "spain", Region: "valencia", City: "valencia",
	}, time.Now().UTC(), 0)
	require.NoError(t, err)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "b", "spain/valencia/valencia/26.08", "26.08"))
	require.NoError(t, jobs.RecordTaskHandle(ctx, rec.JobID, pipeline.TaskHandle{
		ClusterARN: clusterARN, TaskARN: taskARN, LastStatus: runner.StateProvisioning,
	}))

	return &fixture{jobs: jobs, tasks: tasks, rec: rec, arn: taskARN}
}

func trigger(f *fixture, createdAt time.Time) jobstore.Trigger {
	return jobstore.Trigger{JobID: f.rec.JobID, Stage: pipeline.StageReconcile, CreatedAt: createdAt}
}

func TestReconcilerReschedulesWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tasks.SetStatus(f.arn, runner.TaskStatus{State: runner.StateRunning})

	rec := NewReconciler(f.jobs, f.tasks, 30*time.Second, 4*time.Hour, nil, nil)

	dec, err := rec.Handle(ctx, trigger(f, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, dec.Requeue)
	assert.Equal(t, 30*time.Second, dec.Delay)

	got, err := f.jobs.GetJob(ctx, f.rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, got.Status)
	assert.Equal(t, runner.StateRunning, got.Task.LastStatus)
}

func TestReconcilerMarksSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	exitCode := int32(0)
	started := time.Now().UTC().Add(-15 * time.Minute)
	stopped := time.Now().UTC()
	f.tasks.SetStatus(f.arn, runner.TaskStatus{
		State:     runner.StateStopped,
		ExitCode:  &exitCode,
		StartedAt: &started,
		StoppedAt: &stopped,
	})

	rec := NewReconciler(f.jobs, f.tasks, 30*time.Second, 4*time.Hour, nil, nil)

	dec, err := rec.Handle(ctx, trigger(f, time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, dec.Requeue)

	got, err := f.jobs.GetJob(ctx, f.rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, got.Status)
	require.NotNil(t, got.TaskStartedAt)
	assert.WithinDuration(t, started, *got.TaskStartedAt, time.Second)

	// Collector and reclaimer were both scheduled.
	claimed, err := f.jobs.ClaimDue(ctx, time.Now().UTC().Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	stages := []pipeline.Stage{claimed[0].Stage, claimed[1].Stage}
	assert.ElementsMatch(t, []pipeline.Stage{pipeline.StageCollect, pipeline.StageReclaim}, stages)
}

func TestReconcilerFailsOnNonZeroExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	exitCode := int32(2)
	f.tasks.SetStatus(f.arn, runner.TaskStatus{
		State:         runner.StateStopped,
		ExitCode:      &exitCode,
		StoppedReason: "Essential container in task exited",
	})

	rec := NewReconciler(f.jobs, f.tasks, 30*time.Second, 4*time.Hour, nil, nil)

	_, err := rec.Handle(ctx, trigger(f, time.Now().UTC()))
	require.Error(t, err)
	assert.Equal(t, pipeline.FaultTask, pipeline.KindOf(err))
	assert.Contains(t, pipeline.ReasonOf(err), "exit code 2")
}

func TestReconcilerTimesOutAfterWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tasks.SetStatus(f.arn, runner.TaskStatus{State: runner.StateRunning})

	now := time.Now().UTC()
	clock := func() time.Time { return now }
	rec := NewReconciler(f.jobs, f.tasks, 30*time.Second, 4*time.Hour, clock, nil)

	// Trigger created when the task launched, over four hours ago.
	_, err := rec.Handle(ctx, trigger(f, now.Add(-5*time.Hour)))
	require.Error(t, err)
	assert.Equal(t, pipeline.FaultTimeout, pipeline.KindOf(err))

	// The overdue task was stopped best-effort.
	assert.Equal(t, []string{f.arn}, f.tasks.Stopped())
}

func TestReconcilerTransientDescribeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tasks.DescribeErr = pipeline.Transient("throttled", nil)

	rec := NewReconciler(f.jobs, f.tasks, 30*time.Second, 4*time.Hour, nil, nil)

	_, err := rec.Handle(ctx, trigger(f, time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))

	got, err := f.jobs.GetJob(ctx, f.rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ObserveFailures)
	assert.Equal(t, pipeline.StatusRunning, got.Status)
}

func TestReconcilerStaleTriggerIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.jobs.MarkFailed(ctx, f.rec.JobID, "failed elsewhere"))

	rec := NewReconciler(f.jobs, f.tasks, 30*time.Second, 4*time.Hour, nil, nil)

	dec, err := rec.Handle(ctx, trigger(f, time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, dec.Requeue)
}
