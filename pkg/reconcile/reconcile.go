// Package reconcile observes running analysis tasks and converges job
// records toward the task's actual outcome.
package reconcile

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

// Reconciler polls task state for running jobs. It never blocks on a task:
// each observation is one poll, and a non-terminal task reschedules the
// next poll via the trigger queue.
type Reconciler struct {
	jobs  *jobstore.Store
	tasks runner.TaskRunner
	log   *zap.Logger
	now   func() time.Time

	// PollInterval separates successive observations of one task.
	PollInterval time.Duration

	// Window bounds how long a task may stay non-terminal before the job
	// is failed and the task stopped.
	Window time.Duration

	// Metrics, when set, counts succeeded jobs.
	Metrics interface{ JobSucceeded() }
}

// NewReconciler wires a Reconciler. A nil clock uses wall time.
func NewReconciler(jobs *jobstore.Store, tasks runner.TaskRunner, pollInterval, window time.Duration, clock func() time.Time, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		jobs:         jobs,
		tasks:        tasks,
		log:          log,
		now:          clock,
		PollInterval: pollInterval,
		Window:       window,
	}
}

// Stage routes reconcile triggers to this handler.
func (r *Reconciler) Stage() pipeline.Stage { return pipeline.StageReconcile }

// Handle observes the task behind the trigger's job once.
//
// The observation window is anchored on the trigger's creation time, which
// the launcher set when the task started; rescheduled polls keep it.
func (r *Reconciler) Handle(ctx context.Context, trig jobstore.Trigger) (pipeline.Decision, error) {
	rec, err := r.jobs.GetJob(ctx, trig.JobID)
	if err != nil {
		return pipeline.Done(), err
	}
	if rec.Status != pipeline.StatusRunning {
		return pipeline.Done(), nil
	}
	if rec.Task == nil {
		return pipeline.Done(), &pipeline.Fault{
			Kind:   pipeline.FaultValidation,
			Reason: "job is running without a task handle",
		}
	}

	status, err := r.tasks.Describe(ctx, rec.Task.ClusterARN, rec.Task.TaskARN)
	if err != nil {
		if _, cntErr := r.jobs.IncrementAttempt(ctx, trig.JobID, pipeline.StageReconcile); cntErr != nil {
			r.log.Warn("failed to count observation failure", zap.Error(cntErr))
		}
		return pipeline.Done(), err
	}

	if status.State != rec.Task.LastStatus {
		if err := r.jobs.UpdateTaskLastStatus(ctx, trig.JobID, status.State); err != nil {
			r.log.Warn("failed to record task status", zap.Error(err))
		}
		_ = r.jobs.AppendEvent(ctx, trig.JobID, pipeline.StageReconcile, jobstore.EventInfo,
			fmt.Sprintf("task %s -> %s", rec.Task.LastStatus, status.State))
	}

	if status.Terminal() {
		return r.finish(ctx, trig, status)
	}

	if r.Window > 0 && r.now().UTC().Sub(trig.CreatedAt) >= r.Window {
		r.log.Warn("observation window elapsed, stopping task",
			zap.Stringer("job_id", trig.JobID),
			zap.String("task_arn", rec.Task.TaskARN),
			zap.Duration("window", r.Window))
		if err := r.tasks.Stop(ctx, rec.Task.ClusterARN, rec.Task.TaskARN, "observation window elapsed"); err != nil {
			r.log.Error("failed to stop overdue task",
				zap.String("task_arn", rec.Task.TaskARN),
				zap.Error(err))
		}
		return pipeline.Done(), &pipeline.Fault{
			Kind:   pipeline.FaultTimeout,
			Reason: fmt.Sprintf("task did not finish within %s", r.Window),
		}
	}

	return pipeline.Again(r.PollInterval), nil
}

// finish converges the job onto the task's terminal outcome.
func (r *Reconciler) finish(ctx context.Context, trig jobstore.Trigger, status *runner.TaskStatus) (pipeline.Decision, error) {
	if !status.Succeeded() {
		reason := status.StoppedReason
		if reason == "" {
			reason = "task stopped without a clean exit"
		}
		if status.ExitCode != nil {
			reason = fmt.Sprintf("%s (exit code %d)", reason, *status.ExitCode)
		}
		return pipeline.Done(), &pipeline.Fault{Kind: pipeline.FaultTask, Reason: reason}
	}

	if err := r.jobs.MarkSucceeded(ctx, trig.JobID, status.StartedAt, status.StoppedAt); err != nil {
		if errors.Is(err, pipeline.ErrStaleStatus) {
			return pipeline.Done(), nil
		}
		return pipeline.Done(), err
	}
	_ = r.jobs.AppendEvent(ctx, trig.JobID, pipeline.StageReconcile, jobstore.EventTransition,
		"running -> succeeded")
	if r.Metrics != nil {
		r.Metrics.JobSucceeded()
	}

	if err := r.jobs.Enqueue(ctx, trig.JobID, pipeline.StageCollect, 0, 0); err != nil {
		return pipeline.Done(), pipeline.Transient("enqueue collect", err)
	}
	if err := r.jobs.Enqueue(ctx, trig.JobID, pipeline.StageReclaim, 0, 0); err != nil {
		return pipeline.Done(), pipeline.Transient("enqueue reclaim", err)
	}

	r.log.Info("task succeeded", zap.Stringer("job_id", trig.JobID))
	return pipeline.Done(), nil
}
