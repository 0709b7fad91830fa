package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
)

// Event categories recorded in the job audit trail.
const (
	EventTransition = "transition"
	EventRetry      = "retry"
	EventFault      = "fault"
	EventInfo       = "info"
)

// JobEvent is one entry of a job's audit trail.
type JobEvent struct {
	ID         int64
	JobID      uuid.UUID
	OccurredAt time.Time
	Stage      pipeline.Stage
	Category   string
	Detail     string
}

// AppendEvent records an audit trail entry for a job. Events are advisory:
// a failed append must never fail the handler, so callers log and continue.
func (s *Store) AppendEvent(ctx context.Context, jobID uuid.UUID, stage pipeline.Stage, category, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, occurred_at, stage, category, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		jobID.String(), nowRFC3339(), string(stage), category, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a job's audit trail in chronological order.
func (s *Store) ListEvents(ctx context.Context, jobID uuid.UUID) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, job_id, occurred_at, stage, category, detail
		 FROM job_events WHERE job_id = ? ORDER BY event_id`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobEvent
	for rows.Next() {
		var (
			ev         JobEvent
			id         string
			occurredAt string
			stage      string
		)
		if err := rows.Scan(&ev.ID, &id, &occurredAt, &stage, &ev.Category, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.JobID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event job_id: %w", err)
		}
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		ev.Stage = pipeline.Stage(stage)
		out = append(out, ev)
	}
	return out, rows.Err()
}
