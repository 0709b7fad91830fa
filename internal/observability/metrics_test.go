package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()

	m.JobCreated()
	m.JobCreated()
	m.JobFailed()
	m.DeadLetter()
	m.StageRetry("launch")
	m.StageFault("reconcile", "timeout")
	m.TriggerStarted()
	m.ObserveTrigger(time.Now().Add(-time.Second), time.Now())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, "bnaflow_jobs_created_total 2")
	assert.Contains(t, body, "bnaflow_jobs_failed_total 1")
	assert.Contains(t, body, "bnaflow_dead_letters_total 1")
	assert.Contains(t, body, `bnaflow_stage_retries_total{stage="launch"} 1`)
	assert.Contains(t, body, `bnaflow_stage_faults_total{kind="timeout",stage="reconcile"} 1`)
	assert.Contains(t, body, "bnaflow_triggers_in_flight 1")
}

func TestMetricsRegistriesAreIndependent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.JobCreated()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "bnaflow_jobs_created_total 0")
}

func TestInitCLILoggerRejectsBadLevel(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.Error(t, InitCLILogger("nope", false))
	require.NoError(t, InitCLILogger("warn", false))
}
