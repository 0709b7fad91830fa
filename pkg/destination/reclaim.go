package destination

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/runner"
	"github.com/spokeworks/bnaflow/pkg/storage"
)

// Reclaimer tears down a terminal job's supporting resources: any task
// still executing is stopped and scratch objects at the destination are
// removed. Artifacts of succeeded jobs are kept.
type Reclaimer struct {
	jobs    *jobstore.Store
	objects storage.Store
	tasks   runner.TaskRunner
	log     *zap.Logger

	// MaxAttempts caps teardown retries before the job is flagged for
	// operator attention.
	MaxAttempts int

	// Metrics, when set, counts reclaimed and flagged jobs.
	Metrics interface {
		JobReclaimed()
		JobFlagged()
	}
}

// NewReclaimer wires a Reclaimer. tasks may be nil when no runner is
// configured; task teardown is skipped then.
func NewReclaimer(jobs *jobstore.Store, objects storage.Store, tasks runner.TaskRunner, maxAttempts int, log *zap.Logger) *Reclaimer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reclaimer{jobs: jobs, objects: objects, tasks: tasks, MaxAttempts: maxAttempts, log: log}
}

// Stage routes reclaim triggers to this handler.
func (r *Reclaimer) Stage() pipeline.Stage { return pipeline.StageReclaim }

// Handle reclaims the job the trigger points at.
//
// Reclaim only runs on terminal jobs; a trigger arriving early (the job is
// somehow not terminal yet) is retried later rather than dropped. Teardown
// failures never affect the job's terminal status: after MaxAttempts the
// job keeps its resources and is flagged instead.
func (r *Reclaimer) Handle(ctx context.Context, trig jobstore.Trigger) (pipeline.Decision, error) {
	rec, err := r.jobs.GetJob(ctx, trig.JobID)
	if err != nil {
		return pipeline.Done(), err
	}

	if rec.Reclaimed {
		return pipeline.Done(), nil
	}
	if !rec.Status.Terminal() {
		return pipeline.Again(time.Minute), nil
	}
	if rec.Status == pipeline.StatusSucceeded && !rec.ResultsRecorded {
		// Results are not collected yet; tearing down now could race the
		// collector. Come back later.
		return pipeline.Again(time.Minute), nil
	}

	attempt, err := r.jobs.IncrementAttempt(ctx, trig.JobID, pipeline.StageReclaim)
	if err != nil {
		return pipeline.Done(), err
	}

	if err := r.reclaim(ctx, rec); err != nil {
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			r.log.Warn("teardown kept failing, flagging job",
				zap.Stringer("job_id", rec.JobID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			if flagErr := r.jobs.FlagForOperator(ctx, rec.JobID); flagErr != nil {
				return pipeline.Done(), flagErr
			}
			_ = r.jobs.AppendEvent(ctx, rec.JobID, pipeline.StageReclaim, jobstore.EventFault,
				fmt.Sprintf("teardown abandoned after %d attempts: %v", attempt, err))
			if r.Metrics != nil {
				r.Metrics.JobFlagged()
			}
			return pipeline.Done(), nil
		}
		return pipeline.Done(), &pipeline.Fault{Kind: pipeline.FaultReclaim, Reason: "teardown", Err: err}
	}

	if err := r.jobs.MarkReclaimed(ctx, rec.JobID); err != nil {
		return pipeline.Done(), err
	}
	_ = r.jobs.AppendEvent(ctx, rec.JobID, pipeline.StageReclaim, jobstore.EventInfo, "resources reclaimed")
	if r.Metrics != nil {
		r.Metrics.JobReclaimed()
	}
	r.log.Info("job reclaimed", zap.Stringer("job_id", rec.JobID), zap.String("status", string(rec.Status)))
	return pipeline.Done(), nil
}

func (r *Reclaimer) reclaim(ctx context.Context, rec *pipeline.JobRecord) error {
	// Stop any task still executing. Best effort on already-stopped tasks.
	if r.tasks != nil && rec.Task != nil {
		status, err := r.tasks.Describe(ctx, rec.Task.ClusterARN, rec.Task.TaskARN)
		if err != nil {
			return fmt.Errorf("describe task: %w", err)
		}
		if !status.Terminal() {
			if err := r.tasks.Stop(ctx, rec.Task.ClusterARN, rec.Task.TaskARN, "job reclaimed"); err != nil {
				return fmt.Errorf("stop task: %w", err)
			}
		}
	}

	if rec.DestinationPrefix == "" {
		return nil
	}

	switch rec.Status {
	case pipeline.StatusFailed:
		// Nothing at the destination is worth keeping.
		if err := r.deletePrefix(ctx, rec.DestinationPrefix); err != nil {
			return fmt.Errorf("delete destination: %w", err)
		}
	case pipeline.StatusSucceeded:
		// Keep the artifacts, drop only the empty directory marker.
		if err := r.objects.Delete(ctx, rec.DestinationPrefix+MarkerSuffix); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("delete destination marker: %w", err)
		}
	}
	return nil
}

func (r *Reclaimer) deletePrefix(ctx context.Context, prefix string) error {
	var token string
	for {
		res, err := r.objects.List(ctx, storage.ListOptions{
			Prefix:            prefix + MarkerSuffix,
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := r.objects.Delete(ctx, obj.Key); err != nil && !storage.IsNotFound(err) {
				return err
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	// The marker itself, when the job failed before writing anything.
	if err := r.objects.Delete(ctx, prefix+MarkerSuffix); err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}
