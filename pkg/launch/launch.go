// Package launch starts the analysis task for jobs whose destination is
// ready.
package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/runner"
)

// Launcher starts exactly one task per job and advances the job to running.
type Launcher struct {
	jobs  *jobstore.Store
	tasks runner.TaskRunner
	log   *zap.Logger

	// PollInterval is the initial delay before the reconciler first looks
	// at the freshly started task.
	PollInterval time.Duration
}

func NewLauncher(jobs *jobstore.Store, tasks runner.TaskRunner, pollInterval time.Duration, log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{jobs: jobs, tasks: tasks, log: log, PollInterval: pollInterval}
}

// Stage routes launch triggers to this handler.
func (l *Launcher) Stage() pipeline.Stage { return pipeline.StageLaunch }

// Handle starts the task for the job the trigger points at.
//
// The at-most-one-task guarantee comes from the conditional handle write:
// if two invocations race, the loser's write affects zero rows and its
// freshly started task is stopped again.
func (l *Launcher) Handle(ctx context.Context, trig jobstore.Trigger) (pipeline.Decision, error) {
	rec, err := l.jobs.GetJob(ctx, trig.JobID)
	if err != nil {
		return pipeline.Done(), err
	}
	if rec.Status != pipeline.StatusReadyToRun || rec.Task != nil {
		return pipeline.Done(), nil
	}
	if rec.DestinationBucket == "" || rec.DestinationPrefix == "" {
		return pipeline.Done(), &pipeline.Fault{
			Kind:   pipeline.FaultValidation,
			Reason: "job is ready-to-run without a destination",
		}
	}

	if _, err := l.jobs.IncrementAttempt(ctx, trig.JobID, pipeline.StageLaunch); err != nil {
		return pipeline.Done(), err
	}

	clusterARN, taskARN, err := l.tasks.Start(ctx, runner.TaskSpec{
		Bucket:   rec.DestinationBucket,
		Prefix:   rec.DestinationPrefix,
		Country:  rec.Params.Country,
		City:     rec.Params.City,
		Region:   rec.Params.Region,
		FIPSCode: rec.Params.FIPSCode,
	})
	if err != nil {
		return pipeline.Done(), err
	}

	handle := pipeline.TaskHandle{
		ClusterARN: clusterARN,
		TaskARN:    taskARN,
		LastStatus: runner.StateProvisioning,
	}
	if err := l.jobs.RecordTaskHandle(ctx, trig.JobID, handle); err != nil {
		if errors.Is(err, pipeline.ErrStaleStatus) {
			// Another invocation recorded its task first. Ours is surplus
			// and must not run.
			l.log.Warn("lost launch race, stopping surplus task",
				zap.Stringer("job_id", trig.JobID),
				zap.String("task_arn", taskARN))
			if stopErr := l.tasks.Stop(ctx, clusterARN, taskARN, "duplicate launch"); stopErr != nil {
				l.log.Error("failed to stop surplus task",
					zap.String("task_arn", taskARN),
					zap.Error(stopErr))
			}
			return pipeline.Done(), nil
		}
		return pipeline.Done(), err
	}

	_ = l.jobs.AppendEvent(ctx, trig.JobID, pipeline.StageLaunch, jobstore.EventTransition,
		fmt.Sprintf("ready-to-run -> running, task %s", taskARN))

	if err := l.jobs.Enqueue(ctx, trig.JobID, pipeline.StageReconcile, 0, l.PollInterval); err != nil {
		return pipeline.Done(), pipeline.Transient("enqueue reconcile", err)
	}

	l.log.Info("task started",
		zap.Stringer("job_id", trig.JobID),
		zap.String("cluster_arn", clusterARN),
		zap.String("task_arn", taskARN))
	return pipeline.Done(), nil
}
