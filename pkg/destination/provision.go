package destination

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
)

// Provisioner prepares the destination for a newly created job and
// advances it to ready-to-run.
type Provisioner struct {
	jobs     *jobstore.Store
	preparer *Preparer
	bucket   string
	log      *zap.Logger
}

func NewProvisioner(jobs *jobstore.Store, preparer *Preparer, bucket string, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{jobs: jobs, preparer: preparer, bucket: bucket, log: log}
}

// Stage routes provision triggers to this handler.
func (p *Provisioner) Stage() pipeline.Stage { return pipeline.StageProvision }

// Handle provisions the destination for the job the trigger points at.
// Duplicate triggers are safe: a job already past provisioning is a no-op,
// and a lost race on the destination write completes without effect.
func (p *Provisioner) Handle(ctx context.Context, trig jobstore.Trigger) (pipeline.Decision, error) {
	rec, err := p.jobs.GetJob(ctx, trig.JobID)
	if err != nil {
		return pipeline.Done(), err
	}
	if rec.Status != pipeline.StatusProvisioning {
		return pipeline.Done(), nil
	}

	if _, err := p.jobs.IncrementAttempt(ctx, trig.JobID, pipeline.StageProvision); err != nil {
		return pipeline.Done(), err
	}

	prefix, version, err := p.preparer.Prepare(ctx, rec.Params)
	if err != nil {
		return pipeline.Done(), err
	}

	if err := p.jobs.SetDestination(ctx, trig.JobID, p.bucket, prefix, version); err != nil {
		if errors.Is(err, pipeline.ErrStaleStatus) {
			// Another invocation won the race; its destination stands.
			return pipeline.Done(), nil
		}
		return pipeline.Done(), err
	}

	_ = p.jobs.AppendEvent(ctx, trig.JobID, pipeline.StageProvision, jobstore.EventTransition,
		fmt.Sprintf("provisioning -> ready-to-run at %s/%s", p.bucket, prefix))

	if err := p.jobs.Enqueue(ctx, trig.JobID, pipeline.StageLaunch, 0, 0); err != nil {
		return pipeline.Done(), pipeline.Transient("enqueue launch", err)
	}

	p.log.Info("destination prepared",
		zap.Stringer("job_id", trig.JobID),
		zap.String("bucket", p.bucket),
		zap.String("prefix", prefix),
		zap.String("version", version))
	return pipeline.Done(), nil
}
