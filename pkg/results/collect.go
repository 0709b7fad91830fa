package results

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/storage"
)

// ObjectSource is the object-store surface the collector needs.
type ObjectSource interface {
	storage.Store
	storage.ObjectGetter
}

// Collector finalizes the result summary of succeeded jobs.
//
// A succeeded task whose artifacts are missing is treated as having lied
// about success: the job converts to failed instead of being retried,
// since re-running the analysis is outside this layer.
type Collector struct {
	jobs    *jobstore.Store
	objects ObjectSource
	log     *zap.Logger

	// ExpectedGlobs are additional artifact patterns, relative to the
	// destination prefix, that must each match at least one object.
	// ScoresFileName is always required.
	ExpectedGlobs []string
}

func NewCollector(jobs *jobstore.Store, objects ObjectSource, expectedGlobs []string, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{jobs: jobs, objects: objects, log: log, ExpectedGlobs: expectedGlobs}
}

// Stage routes collect triggers to this handler.
func (c *Collector) Stage() pipeline.Stage { return pipeline.StageCollect }

// Handle collects the results of the job the trigger points at.
func (c *Collector) Handle(ctx context.Context, trig jobstore.Trigger) (pipeline.Decision, error) {
	rec, err := c.jobs.GetJob(ctx, trig.JobID)
	if err != nil {
		return pipeline.Done(), err
	}
	if rec.Status != pipeline.StatusSucceeded || rec.ResultsRecorded {
		return pipeline.Done(), nil
	}

	keys, err := c.listArtifacts(ctx, rec.DestinationPrefix)
	if err != nil {
		return pipeline.Done(), pipeline.Transient("list artifacts", err)
	}

	if missing := c.missingArtifacts(rec.DestinationPrefix, keys); len(missing) > 0 {
		reason := fmt.Sprintf("task reported success but artifacts are missing: %s",
			strings.Join(missing, ", "))
		c.log.Warn("converting job to failed",
			zap.Stringer("job_id", trig.JobID),
			zap.Strings("missing", missing))
		if err := c.jobs.ConvertSucceededToFailed(ctx, trig.JobID, reason); err != nil {
			if errors.Is(err, pipeline.ErrStaleStatus) {
				return pipeline.Done(), nil
			}
			return pipeline.Done(), err
		}
		_ = c.jobs.AppendEvent(ctx, trig.JobID, pipeline.StageCollect, jobstore.EventFault, reason)
		return pipeline.Done(), nil
	}

	summary := pipeline.ResultSummary{ArtifactKeys: keys}
	if rec.TaskStartedAt != nil && rec.TaskStoppedAt != nil {
		summary.ElapsedSeconds = int64(rec.TaskStoppedAt.Sub(*rec.TaskStartedAt).Seconds())
	}

	scores, err := c.readScores(ctx, rec.DestinationPrefix)
	if err != nil {
		// The file exists but is unreadable or malformed. The artifacts
		// are still recorded; only the score is absent.
		c.log.Warn("could not parse overall scores",
			zap.Stringer("job_id", trig.JobID),
			zap.Error(err))
	} else {
		summary.OverallScore = scores.Normalized(OverallScoreID)
	}

	if err := c.jobs.RecordResults(ctx, trig.JobID, summary); err != nil {
		if errors.Is(err, pipeline.ErrStaleStatus) {
			return pipeline.Done(), nil
		}
		return pipeline.Done(), err
	}
	_ = c.jobs.AppendEvent(ctx, trig.JobID, pipeline.StageCollect, jobstore.EventInfo,
		fmt.Sprintf("%d artifacts recorded", len(keys)))

	c.log.Info("results recorded",
		zap.Stringer("job_id", trig.JobID),
		zap.Int("artifacts", len(keys)))
	return pipeline.Done(), nil
}

// listArtifacts returns the non-marker object keys under the destination.
func (c *Collector) listArtifacts(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token string
	for {
		res, err := c.objects.List(ctx, storage.ListOptions{
			Prefix:            prefix + "/",
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range res.Objects {
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	return keys, nil
}

// missingArtifacts reports which required artifacts have no match among
// the keys found at the destination.
func (c *Collector) missingArtifacts(prefix string, keys []string) []string {
	rel := make([]string, 0, len(keys))
	for _, k := range keys {
		rel = append(rel, strings.TrimPrefix(k, prefix+"/"))
	}

	var missing []string
	required := append([]string{ScoresFileName}, c.ExpectedGlobs...)
	for _, pattern := range required {
		found := false
		for _, r := range rel {
			if ok, err := doublestar.Match(pattern, r); err == nil && ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, pattern)
		}
	}
	return missing
}

func (c *Collector) readScores(ctx context.Context, prefix string) (Scores, error) {
	body, err := c.objects.Get(ctx, prefix+"/"+ScoresFileName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return ParseScores(body)
}
