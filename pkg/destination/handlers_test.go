package destination

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/runner"
	"github.com/spokeworks/bnaflow/pkg/storage/memory"
)

func newTestJob(t *testing.T, jobs *jobstore.Store) *pipeline.JobRecord {
	t.Helper()
	rec, err := jobs.CreateJob(context.Background(), pipeline.AnalysisParameters{
		Country: "spain", Region: "valencia", City: "valencia",
	}, time.Now().UTC(), 0)
	require.NoError(t, err)
	return rec
}

func openJobs(t *testing.T) *jobstore.Store {
	t.Helper()
	jobs, err := jobstore.Open(context.Background(), jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })
	return jobs
}

func TestProvisionerHandle(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	objects := memory.New()
	prov := NewProvisioner(jobs, NewPreparer(objects, fixedClock), "results-bucket", nil)

	rec := newTestJob(t, jobs)
	trig := jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageProvision}

	dec, err := prov.Handle(ctx, trig)
	require.NoError(t, err)
	assert.False(t, dec.Requeue)

	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusReadyToRun, got.Status)
	assert.Equal(t, "results-bucket", got.DestinationBucket)
	assert.Equal(t, "spain/valencia/valencia/26.08", got.DestinationPrefix)
	assert.Equal(t, 1, got.ProvisionAttempts)
	assert.Contains(t, objects.Keys(), "spain/valencia/valencia/26.08/")

	// The launch stage was scheduled.
	claimed, err := jobs.ClaimDue(ctx, time.Now().UTC().Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, pipeline.StageLaunch, claimed[0].Stage)

	// A duplicate trigger is a no-op: no new destination, no new launch.
	dec, err = prov.Handle(ctx, trig)
	require.NoError(t, err)
	assert.False(t, dec.Requeue)

	got2, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, got.DestinationPrefix, got2.DestinationPrefix)
	assert.Equal(t, 1, got2.ProvisionAttempts)
}

func TestReclaimerFailedJobDeletesDestination(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	objects := memory.New()
	tasks := runner.NewFake()
	recl := NewReclaimer(jobs, objects, tasks, 5, nil)

	rec := newTestJob(t, jobs)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "b", "spain/valencia/valencia/26.08", "26.08"))
	require.NoError(t, objects.Put(ctx, "spain/valencia/valencia/26.08/", strings.NewReader(""), 0))
	require.NoError(t, objects.Put(ctx, "spain/valencia/valencia/26.08/partial.csv", strings.NewReader("x"), 1))
	require.NoError(t, jobs.MarkFailed(ctx, rec.JobID, "task failed"))

	dec, err := recl.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageReclaim})
	require.NoError(t, err)
	assert.False(t, dec.Requeue)

	assert.Empty(t, objects.Keys())

	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.True(t, got.Reclaimed)
}

func TestReclaimerSucceededJobKeepsArtifacts(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	objects := memory.New()
	recl := NewReclaimer(jobs, objects, nil, 5, nil)

	rec := newTestJob(t, jobs)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "b", "spain/valencia/valencia/26.08", "26.08"))
	require.NoError(t, jobs.RecordTaskHandle(ctx, rec.JobID, pipeline.TaskHandle{TaskARN: "arn:t"}))
	require.NoError(t, jobs.MarkSucceeded(ctx, rec.JobID, nil, nil))
	require.NoError(t, jobs.RecordResults(ctx, rec.JobID, pipeline.ResultSummary{
		ArtifactKeys: []string{"spain/valencia/valencia/26.08/neighborhood_overall_scores.csv"},
	}))

	require.NoError(t, objects.Put(ctx, "spain/valencia/valencia/26.08/", strings.NewReader(""), 0))
	require.NoError(t, objects.Put(ctx, "spain/valencia/valencia/26.08/neighborhood_overall_scores.csv", strings.NewReader("id"), 2))

	_, err := recl.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageReclaim})
	require.NoError(t, err)

	assert.Equal(t, []string{"spain/valencia/valencia/26.08/neighborhood_overall_scores.csv"}, objects.Keys())

	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.True(t, got.Reclaimed)
}

func TestReclaimerWaitsForResultCollection(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	recl := NewReclaimer(jobs, memory.New(), nil, 5, nil)

	rec := newTestJob(t, jobs)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "b", "p", "v"))
	require.NoError(t, jobs.RecordTaskHandle(ctx, rec.JobID, pipeline.TaskHandle{TaskARN: "arn:t"}))
	require.NoError(t, jobs.MarkSucceeded(ctx, rec.JobID, nil, nil))

	dec, err := recl.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageReclaim})
	require.NoError(t, err)
	assert.True(t, dec.Requeue)

	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.False(t, got.Reclaimed)
}

func TestReclaimerStopsLingeringTask(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	tasks := runner.NewFake()
	recl := NewReclaimer(jobs, memory.New(), tasks, 5, nil)

	_, taskARN, err := tasks.Start(ctx, runner.TaskSpec{Country: "spain", City: "valencia"})
	require.NoError(t, err)
	tasks.SetStatus(taskARN, runner.TaskStatus{State: runner.StateRunning})

	rec := newTestJob(t, jobs)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "b", "p", "v"))
	require.NoError(t, jobs.RecordTaskHandle(ctx, rec.JobID, pipeline.TaskHandle{ClusterARN: "arn:fake:cluster", TaskARN: taskARN}))
	require.NoError(t, jobs.MarkFailed(ctx, rec.JobID, "observation window elapsed"))

	_, err = recl.Handle(ctx, jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageReclaim})
	require.NoError(t, err)

	assert.Equal(t, []string{taskARN}, tasks.Stopped())
}

func TestReclaimerFlagsAfterExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	jobs := openJobs(t)
	tasks := runner.NewFake()
	tasks.DescribeErr = pipeline.Transient("cluster unreachable", nil)
	recl := NewReclaimer(jobs, memory.New(), tasks, 2, nil)

	rec := newTestJob(t, jobs)
	require.NoError(t, jobs.SetDestination(ctx, rec.JobID, "b", "p", "v"))
	require.NoError(t, jobs.RecordTaskHandle(ctx, rec.JobID, pipeline.TaskHandle{TaskARN: "arn:t"}))
	require.NoError(t, jobs.MarkFailed(ctx, rec.JobID, "task failed"))

	trig := jobstore.Trigger{JobID: rec.JobID, Stage: pipeline.StageReclaim}

	// First attempt fails with a reclaim fault the dispatcher would retry.
	_, err := recl.Handle(ctx, trig)
	require.Error(t, err)
	assert.Equal(t, pipeline.FaultReclaim, pipeline.KindOf(err))

	// Second attempt hits the budget and flags instead of erroring.
	dec, err := recl.Handle(ctx, trig)
	require.NoError(t, err)
	assert.False(t, dec.Requeue)

	got, err := jobs.GetJob(ctx, rec.JobID)
	require.NoError(t, err)
	assert.True(t, got.Flagged)
	assert.False(t, got.Reclaimed)
	assert.Equal(t, pipeline.StatusFailed, got.Status)
}
