package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
)

// maxJobListLimit caps the page size of GET /jobs.
const maxJobListLimit = 500

// JobsHandler serves the read-only job inspection endpoints.
type JobsHandler struct {
	store *jobstore.Store
	log   *zap.Logger
}

// NewJobsHandler builds the handler. log may be nil.
func NewJobsHandler(store *jobstore.Store, log *zap.Logger) *JobsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobsHandler{store: store, log: log}
}

// jobView is the wire shape of a job record.
type jobView struct {
	JobID       string                      `json:"job_id"`
	Params      pipeline.AnalysisParameters `json:"params"`
	Status      pipeline.Status             `json:"status"`
	SubmittedAt time.Time                   `json:"submitted_at"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`

	DestinationBucket string `json:"destination_bucket,omitempty"`
	DestinationPrefix string `json:"destination_prefix,omitempty"`
	Version           string `json:"version,omitempty"`

	Task *pipeline.TaskHandle `json:"task,omitempty"`

	ProvisionAttempts int `json:"provision_attempts"`
	LaunchAttempts    int `json:"launch_attempts"`
	ObserveFailures   int `json:"observe_failures"`
	ReclaimAttempts   int `json:"reclaim_attempts"`

	TaskStartedAt *time.Time `json:"task_started_at,omitempty"`
	TaskStoppedAt *time.Time `json:"task_stopped_at,omitempty"`

	Result          *pipeline.ResultSummary `json:"result,omitempty"`
	ResultsRecorded bool                    `json:"results_recorded"`
	Reclaimed       bool                    `json:"reclaimed"`
	Flagged         bool                    `json:"flagged"`
}

func toJobView(rec *pipeline.JobRecord) jobView {
	return jobView{
		JobID:             rec.JobID.String(),
		Params:            rec.Params,
		Status:            rec.Status,
		SubmittedAt:       rec.SubmittedAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		DestinationBucket: rec.DestinationBucket,
		DestinationPrefix: rec.DestinationPrefix,
		Version:           rec.Version,
		Task:              rec.Task,
		ProvisionAttempts: rec.ProvisionAttempts,
		LaunchAttempts:    rec.LaunchAttempts,
		ObserveFailures:   rec.ObserveFailures,
		ReclaimAttempts:   rec.ReclaimAttempts,
		TaskStartedAt:     rec.TaskStartedAt,
		TaskStoppedAt:     rec.TaskStoppedAt,
		Result:            rec.Result,
		ResultsRecorded:   rec.ResultsRecorded,
		Reclaimed:         rec.Reclaimed,
		Flagged:           rec.Flagged,
	}
}

// List serves GET /jobs?limit=N, newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxJobListLimit {
		limit = maxJobListLimit
	}

	records, err := h.store.ListJobs(r.Context(), limit)
	if err != nil {
		h.log.Error("job list failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list jobs")
		return
	}

	views := make([]jobView, 0, len(records))
	for i := range records {
		views = append(views, toJobView(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// Get serves GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.GetJob(r.Context(), jobID)
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	case err != nil:
		h.log.Error("job lookup failed", zap.Stringer("job_id", jobID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobView(rec))
}

// eventView is the wire shape of one audit trail entry.
type eventView struct {
	OccurredAt time.Time      `json:"occurred_at"`
	Stage      pipeline.Stage `json:"stage"`
	Category   string         `json:"category"`
	Detail     string         `json:"detail"`
}

// Events serves GET /jobs/{id}/events, oldest first.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
			return
		}
		h.log.Error("job lookup failed", zap.Stringer("job_id", jobID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load job")
		return
	}

	events, err := h.store.ListEvents(r.Context(), jobID)
	if err != nil {
		h.log.Error("event list failed", zap.Stringer("job_id", jobID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list events")
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			OccurredAt: ev.OccurredAt,
			Stage:      ev.Stage,
			Category:   ev.Category,
			Detail:     ev.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

func (h *JobsHandler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	jobID, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "job id must be a UUID")
		return uuid.Nil, false
	}
	return jobID, true
}
