// Package dispatch claims due triggers and runs the stage handlers.
//
// The dispatcher owns the retry policy: handlers report what happened,
// classified through the pipeline fault taxonomy, and the dispatcher
// decides between backoff retry, terminal failure, and completion. It also
// pumps the inbound submission source when one is configured.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spokeworks/bnaflow/internal/observability"
	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
	"github.com/spokeworks/bnaflow/pkg/submission"
)

// Handler processes triggers for one stage.
type Handler interface {
	Stage() pipeline.Stage
	Handle(ctx context.Context, trig jobstore.Trigger) (pipeline.Decision, error)
}

// Config tunes the dispatcher.
type Config struct {
	// Concurrency bounds how many triggers are handled at once.
	Concurrency int

	// PollInterval separates scans of the trigger queue.
	PollInterval time.Duration

	// ClaimTTL is how long a claimed trigger stays invisible before it is
	// considered abandoned and redelivered.
	ClaimTTL time.Duration

	// BackoffBase and BackoffCap bound the exponential retry delay for
	// transient faults.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts caps transient retries per stage; zero means unlimited.
	MaxAttempts map[pipeline.Stage]int

	// RateLimit throttles handler invocations per second across all
	// stages. Zero disables throttling.
	RateLimit float64

	// SubmissionBatch and SubmissionWait tune the submission pump.
	SubmissionBatch int
	SubmissionWait  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.SubmissionBatch <= 0 {
		c.SubmissionBatch = 10
	}
	if c.SubmissionWait <= 0 {
		c.SubmissionWait = 10 * time.Second
	}
	return c
}

// Dispatcher routes due triggers to stage handlers.
type Dispatcher struct {
	jobs     *jobstore.Store
	handlers map[pipeline.Stage]Handler
	parser   *submission.Parser
	limiter  *rate.Limiter
	metrics  *observability.Metrics
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

// New builds a dispatcher. parser may be nil when no submission source is
// configured (e.g. tests driving the queue directly); metrics may be nil.
func New(jobs *jobstore.Store, parser *submission.Parser, metrics *observability.Metrics, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Concurrency)
	}

	return &Dispatcher{
		jobs:     jobs,
		handlers: make(map[pipeline.Stage]Handler),
		parser:   parser,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register adds a stage handler. Registering the same stage twice keeps
// the last handler.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Stage()] = h
}

// Run drives the dispatcher until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if d.parser != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.pumpSubmissions(ctx)
		}()
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("trigger scan failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims and handles one batch of due triggers. Exposed so tests and
// the drain path can step the dispatcher deterministically.
func (d *Dispatcher) Tick(ctx context.Context) error {
	triggers, err := d.jobs.ClaimDue(ctx, d.now().UTC(), d.cfg.Concurrency, d.cfg.ClaimTTL)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, trig := range triggers {
		wg.Add(1)
		go func(trig jobstore.Trigger) {
			defer wg.Done()
			d.dispatch(ctx, trig)
		}(trig)
	}
	wg.Wait()
	return nil
}

// pumpSubmissions feeds the submission parser until ctx is cancelled.
func (d *Dispatcher) pumpSubmissions(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.parser.Poll(ctx, d.cfg.SubmissionBatch, d.cfg.SubmissionWait)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("submission poll failed", zap.Error(err))
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}
}

// dispatch runs one claimed trigger through its stage handler and applies
// the retry policy to the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, trig jobstore.Trigger) {
	handler, ok := d.handlers[trig.Stage]
	if !ok {
		d.log.Error("no handler for stage, dropping trigger",
			zap.String("stage", string(trig.Stage)),
			zap.Int64("trigger_id", trig.ID))
		d.complete(ctx, trig)
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if d.metrics != nil {
		d.metrics.TriggerStarted()
		defer d.metrics.TriggerFinished()
	}

	dec, err := handler.Handle(ctx, trig)
	if err == nil || errors.Is(err, pipeline.ErrStaleStatus) {
		if dec.Requeue {
			if relErr := d.jobs.Reschedule(ctx, trig.ID, dec.Delay); relErr != nil {
				d.log.Error("failed to reschedule trigger", zap.Error(relErr))
			}
			return
		}
		if d.metrics != nil {
			d.metrics.ObserveTrigger(trig.VisibleAt, d.now().UTC())
		}
		d.complete(ctx, trig)
		return
	}

	kind := pipeline.KindOf(err)
	if d.metrics != nil {
		d.metrics.StageFault(string(trig.Stage), string(kind))
	}

	switch kind {
	case pipeline.FaultTransient, pipeline.FaultReclaim:
		d.retryOrFail(ctx, trig, kind, err)
	default:
		// Validation, task, and timeout faults are terminal for the job.
		d.failJob(ctx, trig, err)
	}
}

// retryOrFail schedules a backoff retry, or forces the job to failed once
// the stage's attempt budget is spent. Reclaim faults never fail the job:
// the reclaimer flags it itself after its own budget.
func (d *Dispatcher) retryOrFail(ctx context.Context, trig jobstore.Trigger, kind pipeline.FaultKind, cause error) {
	attempt := trig.Attempt + 1
	max := d.cfg.MaxAttempts[trig.Stage]

	if kind == pipeline.FaultTransient && max > 0 && attempt >= max {
		d.log.Warn("attempt budget spent",
			zap.Stringer("job_id", trig.JobID),
			zap.String("stage", string(trig.Stage)),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		d.failJob(ctx, trig, &pipeline.Fault{
			Kind:   pipeline.FaultTransient,
			Reason: fmt.Sprintf("%s gave up after %d attempts", trig.Stage, attempt),
			Err:    cause,
		})
		return
	}

	delay := Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, attempt)
	d.log.Warn("retrying stage",
		zap.Stringer("job_id", trig.JobID),
		zap.String("stage", string(trig.Stage)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if d.metrics != nil {
		d.metrics.StageRetry(string(trig.Stage))
	}
	_ = d.jobs.AppendEvent(ctx, trig.JobID, trig.Stage, jobstore.EventRetry,
		fmt.Sprintf("attempt %d: %v", attempt, cause))

	if err := d.jobs.Release(ctx, trig.ID, delay); err != nil {
		d.log.Error("failed to release trigger for retry", zap.Error(err))
	}
}

// failJob records the terminal failure and schedules teardown.
func (d *Dispatcher) failJob(ctx context.Context, trig jobstore.Trigger, cause error) {
	reason := pipeline.ReasonOf(cause)
	err := d.jobs.MarkFailed(ctx, trig.JobID, reason)
	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.JobFailed()
		}
		_ = d.jobs.AppendEvent(ctx, trig.JobID, trig.Stage, jobstore.EventFault, reason)
		if enqErr := d.jobs.Enqueue(ctx, trig.JobID, pipeline.StageReclaim, 0, 0); enqErr != nil {
			d.log.Error("failed to schedule reclaim", zap.Error(enqErr))
		}
		d.log.Warn("job failed",
			zap.Stringer("job_id", trig.JobID),
			zap.String("stage", string(trig.Stage)),
			zap.String("reason", reason))
	case errors.Is(err, pipeline.ErrStaleStatus):
		// Already terminal; nothing to record.
	default:
		d.log.Error("failed to mark job failed", zap.Error(err))
	}
	d.complete(ctx, trig)
}

func (d *Dispatcher) complete(ctx context.Context, trig jobstore.Trigger) {
	if err := d.jobs.Complete(ctx, trig.ID); err != nil {
		d.log.Error("failed to complete trigger",
			zap.Int64("trigger_id", trig.ID),
			zap.Error(err))
	}
}
