package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/pkg/destination"
	"github.com/spokeworks/bnaflow/pkg/launch"
	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/queue"
	"github.com/spokeworks/bnaflow/pkg/reconcile"
	"github.com/spokeworks/bnaflow/pkg/results"
	"github.com/spokeworks/bnaflow/pkg/runner"
	"github.com/spokeworks/bnaflow/pkg/storage/memory"
	"github.com/spokeworks/bnaflow/pkg/submission"
)

const scoresCSV = `id,score_id,score_original,score_normalized,human_explanation
1,people,0.56,56.0,x
2,overall_score,0.48,48.7,x
`

// env wires a full pipeline against in-memory fakes with a controllable
// clock.
type env struct {
	t          *testing.T
	jobs       *jobstore.Store
	objects    *memory.Store
	tasks      *runner.Fake
	source     *queue.Memory
	parser     *submission.Parser
	dispatcher *Dispatcher
	now        time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	jobs, err := jobstore.Open(ctx, jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	objects := memory.New()
	tasks := runner.NewFake()
	source := queue.NewMemory()
	parser := submission.NewParser(jobs, source, 2*time.Hour, nil)

	e := &env{
		t:       t,
		jobs:    jobs,
		objects: objects,
		tasks:   tasks,
		source:  source,
		parser:  parser,
		now:     time.Now().UTC(),
	}

	clock := func() time.Time { return e.now }
	preparer := destination.NewPreparer(objects, clock)

	d := New(jobs, parser, nil, Config{
		Concurrency: 4,
		BackoffBase: 5 * time.Second,
		BackoffCap:  5 * time.Minute,
		MaxAttempts: map[pipeline.Stage]int{
			pipeline.StageProvision: 5,
			pipeline.StageLaunch:    5,
			pipeline.StageReconcile: 5,
		},
	}, nil)
	d.now = clock

	d.Register(destination.NewProvisioner(jobs, preparer, "results-bucket", nil))
	d.Register(launch.NewLauncher(jobs, tasks, 30*time.Second, nil))
	d.Register(reconcile.NewReconciler(jobs, tasks, 30*time.Second, 4*time.Hour, clock, nil))
	d.Register(results.NewCollector(jobs, objects, nil, nil))
	d.Register(destination.NewReclaimer(jobs, objects, tasks, 5, nil))

	e.dispatcher = d
	return e
}

// step advances the clock and handles everything currently due.
func (e *env) step(d time.Duration) {
	e.t.Helper()
	e.now = e.now.Add(d)
	require.NoError(e.t, e.dispatcher.Tick(context.Background()))
}

func (e *env) submit(body string) {
	e.t.Helper()
	e.source.Push(body)
	_, err := e.parser.Poll(context.Background(), 10, 0)
	require.NoError(e.t, err)
}

func (e *env) onlyJob() *pipeline.JobRecord {
	e.t.Helper()
	recs, err := e.jobs.ListJobs(context.Background(), 10)
	require.NoError(e.t, err)
	require.Len(e.t, recs, 1)
	return &recs[0]
}

func (e *env) finishTask(exitCode int32) {
	e.t.Helper()
	rec := e.onlyJob()
	require.NotNil(e.t, rec.Task)
	started := e.now.Add(-10 * time.Minute)
	stopped := e.now
	status := runner.TaskStatus{
		State:     runner.StateStopped,
		ExitCode:  &exitCode,
		StartedAt: &started,
		StoppedAt: &stopped,
	}
	if exitCode != 0 {
		status.StoppedReason = "Essential container in task exited"
	}
	e.tasks.SetStatus(rec.Task.TaskARN, status)
}

func (e *env) writeArtifacts() {
	e.t.Helper()
	rec := e.onlyJob()
	require.NotEmpty(e.t, rec.DestinationPrefix)
	key := rec.DestinationPrefix + "/" + results.ScoresFileName
	require.NoError(e.t, e.objects.Put(context.Background(), key, strings.NewReader(scoresCSV), int64(len(scoresCSV))))
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"United States","city":"Austin","region":"Texas","fips_code":"4805000"}`)

	e.step(time.Second) // provision
	rec := e.onlyJob()
	assert.Equal(t, pipeline.StatusReadyToRun, rec.Status)
	assert.Contains(t, rec.DestinationPrefix, "united states/texas/austin/")

	e.step(time.Second) // launch
	rec = e.onlyJob()
	assert.Equal(t, pipeline.StatusRunning, rec.Status)
	require.NotNil(t, rec.Task)

	spec, ok := e.tasks.Spec(rec.Task.TaskARN)
	require.True(t, ok)
	assert.Equal(t, "results-bucket", spec.Bucket)
	assert.Equal(t, rec.DestinationPrefix, spec.Prefix)

	// Three polls observe a running task.
	e.tasks.SetStatus(rec.Task.TaskARN, runner.TaskStatus{State: runner.StateRunning})
	for i := 0; i < 3; i++ {
		e.step(31 * time.Second)
		assert.Equal(t, pipeline.StatusRunning, e.onlyJob().Status)
	}

	// The fourth poll sees a clean stop.
	e.finishTask(0)
	e.writeArtifacts()
	e.step(31 * time.Second) // reconcile -> succeeded, schedules collect+reclaim
	assert.Equal(t, pipeline.StatusSucceeded, e.onlyJob().Status)

	e.step(time.Second) // collect (reclaim may requeue until results land)
	rec = e.onlyJob()
	assert.Equal(t, pipeline.StatusSucceeded, rec.Status)
	assert.True(t, rec.ResultsRecorded)

	e.step(2 * time.Minute) // reclaim, possibly after one requeue
	rec = e.onlyJob()
	assert.True(t, rec.Reclaimed)
	require.NotNil(t, rec.Result)
	require.NotNil(t, rec.Result.OverallScore)
	assert.InDelta(t, 48.7, *rec.Result.OverallScore, 0.001)

	// Artifacts stay; the directory marker is gone.
	keys := e.objects.Keys()
	assert.Equal(t, []string{rec.DestinationPrefix + "/" + results.ScoresFileName}, keys)

	// No triggers left behind.
	pending, err := e.jobs.PendingTriggers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestTaskFailure(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"spain","city":"valencia","region":"valencia"}`)

	e.step(time.Second) // provision
	e.step(time.Second) // launch
	e.finishTask(2)
	e.step(31 * time.Second) // reconcile -> failed, schedules reclaim

	rec := e.onlyJob()
	assert.Equal(t, pipeline.StatusFailed, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Contains(t, rec.Result.FailureReason, "exit code 2")

	e.step(time.Second) // reclaim
	rec = e.onlyJob()
	assert.True(t, rec.Reclaimed)
	assert.Empty(t, e.objects.Keys(), "failed job leaves nothing at the destination")
}

func TestTransientLaunchFailureRetries(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"spain","city":"valencia","region":"valencia"}`)

	e.step(time.Second) // provision

	e.tasks.StartErr = pipeline.Transient("no capacity", nil)
	e.step(time.Second) // launch attempt 1 fails, backoff 5s
	assert.Equal(t, pipeline.StatusReadyToRun, e.onlyJob().Status)
	assert.Zero(t, e.tasks.Started())

	e.step(2 * time.Second) // not due yet
	assert.Equal(t, pipeline.StatusReadyToRun, e.onlyJob().Status)

	e.tasks.StartErr = nil
	e.step(10 * time.Second) // retry succeeds
	rec := e.onlyJob()
	assert.Equal(t, pipeline.StatusRunning, rec.Status)
	assert.Equal(t, 1, e.tasks.Started())
	assert.Equal(t, 2, rec.LaunchAttempts)
}

func TestLaunchAttemptBudgetForcesFailure(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"spain","city":"valencia","region":"valencia"}`)

	e.step(time.Second) // provision

	e.tasks.StartErr = pipeline.Transient("no capacity", nil)
	// Five attempts with generous clock jumps to clear every backoff.
	for i := 0; i < 5; i++ {
		e.step(10 * time.Minute)
	}

	rec := e.onlyJob()
	assert.Equal(t, pipeline.StatusFailed, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Contains(t, rec.Result.FailureReason, "gave up after 5 attempts")

	e.step(time.Minute) // reclaim
	assert.True(t, e.onlyJob().Reclaimed)
}

func TestObservationWindowTimeout(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"spain","city":"valencia","region":"valencia"}`)

	e.step(time.Second) // provision
	e.step(time.Second) // launch

	rec := e.onlyJob()
	e.tasks.SetStatus(rec.Task.TaskARN, runner.TaskStatus{State: runner.StateRunning})

	// Long past the observation window, the poll gives up.
	e.step(5 * time.Hour)

	rec = e.onlyJob()
	assert.Equal(t, pipeline.StatusFailed, rec.Status)
	assert.Contains(t, rec.Result.FailureReason, "did not finish within")
	assert.Equal(t, []string{rec.Task.TaskARN}, e.tasks.Stopped())

	e.step(time.Minute) // reclaim
	assert.True(t, e.onlyJob().Reclaimed)
}

func TestDuplicateTriggersAreSafe(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"spain","city":"valencia","region":"valencia"}`)

	rec := e.onlyJob()
	// A redelivered provision trigger alongside the original.
	require.NoError(t, e.jobs.Enqueue(context.Background(), rec.JobID, pipeline.StageProvision, 0, 0))

	e.step(time.Second) // both provision triggers fire
	rec = e.onlyJob()
	assert.Equal(t, pipeline.StatusReadyToRun, rec.Status)

	// Exactly one destination marker was kept authoritative.
	assert.NotEmpty(t, rec.DestinationPrefix)

	// A late duplicate launch trigger starts no second task.
	e.step(time.Second) // launch
	require.NoError(t, e.jobs.Enqueue(context.Background(), rec.JobID, pipeline.StageLaunch, 0, 0))
	e.step(time.Second)
	assert.Equal(t, 1, e.tasks.Started())
}

func TestSucceededWithoutArtifactsConverts(t *testing.T) {
	e := newEnv(t)
	e.submit(`{"country":"spain","city":"valencia","region":"valencia"}`)

	e.step(time.Second) // provision
	e.step(time.Second) // launch
	e.finishTask(0)
	// No artifacts written: the task lied about success.
	e.step(31 * time.Second) // reconcile -> succeeded
	e.step(time.Second)      // collect converts, reclaim sees failed job

	rec := e.onlyJob()
	assert.Equal(t, pipeline.StatusFailed, rec.Status)
	assert.False(t, rec.ResultsRecorded)
	assert.Contains(t, rec.Result.FailureReason, "artifacts are missing")
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	cap := 5 * time.Minute

	assert.Equal(t, 5*time.Second, Backoff(base, cap, 1))
	assert.Equal(t, 10*time.Second, Backoff(base, cap, 2))
	assert.Equal(t, 40*time.Second, Backoff(base, cap, 4))
	assert.Equal(t, 5*time.Minute, Backoff(base, cap, 10), "capped")
	assert.Equal(t, time.Second, Backoff(0, 0, 1), "defaults")
}
