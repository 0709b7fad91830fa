// Package submission turns raw queue payloads into job records.
//
// The parser is the entry point of the pipeline: it validates inbound
// submissions, creates the durable job record, and schedules the first
// stage. Malformed or invalid payloads are dead-lettered; a payload is
// only acknowledged on the queue once it is durably recorded one way or
// the other.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/queue"
)

// Recorder counts submission outcomes. Implemented by the metrics
// registry; nil disables counting.
type Recorder interface {
	JobCreated()
	DeadLetter()
}

// Parser consumes submissions from a queue source.
type Parser struct {
	jobs   *jobstore.Store
	source queue.Source
	log    *zap.Logger

	// DedupWindow collapses repeat submissions for the same city tuple.
	DedupWindow time.Duration

	// Metrics, when set, counts created jobs and dead letters.
	Metrics Recorder
}

func NewParser(jobs *jobstore.Store, source queue.Source, dedupWindow time.Duration, log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{jobs: jobs, source: source, log: log, DedupWindow: dedupWindow}
}

// Poll receives and processes one batch of submissions. It returns the
// number of messages handled, zero meaning the queue was quiet.
func (p *Parser) Poll(ctx context.Context, max int, wait time.Duration) (int, error) {
	msgs, err := p.source.Receive(ctx, max, wait)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if err := p.process(ctx, msg); err != nil {
			// Leave the message on the queue for redelivery.
			p.log.Warn("submission processing failed, leaving for redelivery",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			continue
		}
		if err := p.source.Delete(ctx, msg.ReceiptHandle); err != nil {
			// The job record exists; the redelivered duplicate will be
			// collapsed by the dedup window.
			p.log.Warn("failed to acknowledge submission",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
	return len(msgs), nil
}

// process records one submission. Errors returned here are transient:
// validation failures are dead-lettered and reported as handled so the
// message is acknowledged, not retried.
func (p *Parser) process(ctx context.Context, msg queue.Message) error {
	var params pipeline.AnalysisParameters
	if err := json.Unmarshal([]byte(msg.Body), &params); err != nil {
		p.log.Warn("malformed submission payload",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return p.deadLetter(ctx, fmt.Sprintf("malformed payload: %v", err), msg.Body)
	}

	rec, err := p.jobs.CreateJob(ctx, params, time.Now().UTC(), p.DedupWindow)
	switch {
	case err == nil:
		// Fall through to scheduling.
	case errors.Is(err, jobstore.ErrDuplicateSubmission):
		// Collapsed, but kept on record for operator follow-up.
		p.log.Info("duplicate submission collapsed",
			zap.String("city", params.City),
			zap.String("country", params.Country))
		return p.deadLetter(ctx, err.Error(), msg.Body)
	case pipeline.KindOf(err) == pipeline.FaultValidation:
		p.log.Warn("invalid submission",
			zap.String("message_id", msg.ID),
			zap.String("reason", pipeline.ReasonOf(err)))
		return p.deadLetter(ctx, pipeline.ReasonOf(err), msg.Body)
	default:
		return err
	}

	if err := p.jobs.Enqueue(ctx, rec.JobID, pipeline.StageProvision, 0, 0); err != nil {
		return fmt.Errorf("schedule provisioning: %w", err)
	}
	_ = p.jobs.AppendEvent(ctx, rec.JobID, pipeline.StageProvision, jobstore.EventInfo, "submission accepted")
	if p.Metrics != nil {
		p.Metrics.JobCreated()
	}

	p.log.Info("job created",
		zap.Stringer("job_id", rec.JobID),
		zap.String("country", rec.Params.Country),
		zap.String("region", rec.Params.Region),
		zap.String("city", rec.Params.City))
	return nil
}

func (p *Parser) deadLetter(ctx context.Context, reason, payload string) error {
	if p.Metrics != nil {
		p.Metrics.DeadLetter()
	}
	return p.jobs.DeadLetterSubmission(ctx, reason, payload)
}
