package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/internal/server/handlers"
	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
)

func openTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body handlers.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body handlers.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := New("127.0.0.1", 0,
		WithVersion(handlers.VersionInfo{Version: "1.0.0"}),
		WithMetrics(metrics),
		WithJobs(openTestStore(t)))

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/jobs", http.StatusOK},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_MetricsDisabledWithoutHandler(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_JobEndpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec1, err := store.CreateJob(ctx, pipeline.AnalysisParameters{
		Country: "usa", City: "santa rosa", Region: "new mexico", FIPSCode: "3570670",
	}, time.Now(), 0)
	require.NoError(t, err)

	srv := New("127.0.0.1", 0, WithJobs(store))

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Jobs []struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			} `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Jobs, 1)
		assert.Equal(t, rec1.JobID.String(), body.Jobs[0].JobID)
		assert.Equal(t, "provisioning", body.Jobs[0].Status)
	})

	t.Run("get", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+rec1.JobID.String(), nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			JobID  string `json:"job_id"`
			Params struct {
				City string `json:"city"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, rec1.JobID.String(), body.JobID)
		assert.Equal(t, "santa rosa", body.Params.City)
	})

	t.Run("get unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/00000000-0000-0000-0000-000000000000", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)

		var body handlers.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "NOT_FOUND", body.Error.Code)
	})

	t.Run("get invalid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)

		var body handlers.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "INVALID_ARGUMENT", body.Error.Code)
	})

	t.Run("events", func(t *testing.T) {
		require.NoError(t, store.AppendEvent(ctx, rec1.JobID, pipeline.StageProvision,
			jobstore.EventInfo, "submission accepted"))

		req := httptest.NewRequest(http.MethodGet, "/jobs/"+rec1.JobID.String()+"/events", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Events []struct {
				Stage    string `json:"stage"`
				Category string `json:"category"`
				Detail   string `json:"detail"`
			} `json:"events"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Events, 1)
		assert.Equal(t, "provision", body.Events[0].Stage)
		assert.Equal(t, "info", body.Events[0].Category)
	})
}
