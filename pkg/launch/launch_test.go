package launch

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

func readyJob(t *testing.T, jobs *jobstore.Store) *pipeline.JobRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := jobs.CreateJob(ctx, pipeline.AnalysisParameters{
		Country: "United States", Region: "Texas", City: "Austin", FIPSCode: "4805000",
	}, time.Now().UTC(), 0)
	require.NoError(t, err)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "results-bucket", "united states/texas/austin/26.08", "26.08"))
	return rec
}

func openJobs(t *testing.T) *jobstore.Store {
	t.Helper()
	jobs, err := jobstore.Open(context.Background(), jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })
	return jobs
}

func TestLauncherStartsTask(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	tasks := runner.NewFake()
	launcher := NewLauncher(jobs, tasks, 30*time.Second, nil)

	rec := readyJob(t, jobs)

	dec, err := launcher.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageLaunch})
	require.NoError(t, err)
	assert.False(t, dec.Requeue)

	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, got.Status)
	require.NotNil(t, got.Task)
	assert.Equal(t, 1, got.LaunchAttempts)

	spec, ok := tasks.Spec(got.Task.TaskARN)
	require.True(t, ok)
	assert.Equal(t, "results-bucket", spec.Bucket)
	assert.Equal(t, "united states/texas/austin/26.08", spec.Prefix)
	assert.Equal(t, "Texas", spec.Region)
	assert.Equal(t, "4805000", spec.FIPSCode)

	// The reconciler was scheduled with the poll delay.
	pending, err := jobs.PendingTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	none, err := jobs.ClaimDue(ctx, time.Now().UTC(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLauncherDuplicateTriggerIsNoOp(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	tasks := runner.NewFake()
	launcher := NewLauncher(jobs, tasks, 30*time.Second, nil)

	rec := readyJob(t, jobs)
	trig := jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageLaunch}

	_, err := launcher.Handle(ctx, trig)
	require.NoError(t, err)

	// Redelivered trigger: job is already running, nothing starts.
	_, err = launcher.Handle(ctx, trig)
	require.NoError(t, err)
	assert.Equal(t, 1, tasks.Started())
}

func TestLauncherPropagatesTransientStartFailure(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	tasks := runner.NewFake()
	tasks.StartErr = pipeline.Transient("no capacity", nil)
	launcher := NewLauncher(jobs, tasks, 30*time.Second, nil)

	rec := readyJob(t, jobs)

	_, err := launcher.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageLaunch})
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))

	// The job stays ready-to-run for the retry.
	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusReadyToRun, got.Status)
	assert.Equal(t, 1, got.LaunchAttempts)
}

func TestLauncherMissingDestinationFails(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	launcher := NewLauncher(jobs, runner.NewFake(), 30*time.Second, nil)

	rec, err := jobs.CreateJob(ctx, pipeline.AnalysisParameters{
		Country: "spain", City: "valencia",
	}, time.Now().UTC(), 0)
	require.NoError(t, err)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "", "", ""))

	_, err = launcher.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageLaunch})
	require.Error(t, err)
	assert.Equal(t, pipeline.FaultValidation, pipeline.KindOf(err))
}
