package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestrator counters for the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated    prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsReclaimed  prometheus.Counter
	jobsFlagged    prometheus.Counter
	deadLetters    prometheus.Counter
	stageRetries   *prometheus.CounterVec
	stageFaults    *prometheus.CounterVec
	triggerLatency prometheus.Histogram
	triggersActive prometheus.Gauge
}

// NewMetrics builds a collector on its own registry so tests can run many
// of them side by side.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnaflow_jobs_created_total",
			Help: "Jobs created from accepted submissions",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnaflow_jobs_succeeded_total",
			Help: "Jobs that reached succeeded",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnaflow_jobs_failed_total",
			Help: "Jobs that reached failed",
		}),
		jobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnaflow_jobs_reclaimed_total",
			Help: "Jobs whose supporting resources were reclaimed",
		}),
		jobsFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnaflow_jobs_flagged_total",
			Help: "Jobs flagged for operator attention",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnaflow_dead_letters_total",
			Help: "Submissions dead-lettered as unprocessable",
		}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bnaflow_stage_retries_total",
			Help: "Transient-fault retries per stage",
		}, []string{"stage"}),
		stageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bnaflow_stage_faults_total",
			Help: "Faults per stage and kind",
		}, []string{"stage", "kind"}),
		triggerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bnaflow_trigger_latency_seconds",
			Help:    "Time from trigger visibility to handler completion",
			Buckets: prometheus.DefBuckets,
		}),
		triggersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnaflow_triggers_in_flight",
			Help: "Triggers currently being handled",
		}),
	}

	m.registry.MustRegister(
		m.jobsCreated, m.jobsSucceeded, m.jobsFailed, m.jobsReclaimed,
		m.jobsFlagged, m.deadLetters, m.stageRetries, m.stageFaults,
		m.triggerLatency, m.triggersActive,
	)
	return m
}

func (m *Metrics) JobCreated()   { m.jobsCreated.Inc() }
func (m *Metrics) JobSucceeded() { m.jobsSucceeded.Inc() }
func (m *Metrics) JobFailed()    { m.jobsFailed.Inc() }
func (m *Metrics) JobReclaimed() { m.jobsReclaimed.Inc() }
func (m *Metrics) JobFlagged()   { m.jobsFlagged.Inc() }
func (m *Metrics) DeadLetter()   { m.deadLetters.Inc() }

func (m *Metrics) StageRetry(stage string) {
	m.stageRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) StageFault(stage, kind string) {
	m.stageFaults.WithLabelValues(stage, kind).Inc()
}

// ObserveTrigger tracks one handled trigger end to end.
func (m *Metrics) ObserveTrigger(visibleAt, doneAt time.Time) {
	m.triggerLatency.Observe(doneAt.Sub(visibleAt).Seconds())
}

func (m *Metrics) TriggerStarted()  { m.triggersActive.Inc() }
func (m *Metrics) TriggerFinished() { m.triggersActive.Dec() }

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
