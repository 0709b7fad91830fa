package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
)

// Trigger is one scheduled handler invocation. Triggers deliver at least
// once: a claimed trigger whose claim expires becomes visible again, so
// handlers must tolerate duplicates.
type Trigger struct {
	ID        int64
	JobID     uuid.UUID
	Stage     pipeline.Stage
	Attempt   int
	VisibleAt time.Time
	CreatedAt time.Time
}

// Enqueue schedules a stage invocation for a job after the given delay.
// A zero delay makes the trigger immediately visible.
func (s *Store) Enqueue(ctx context.Context, jobID uuid.UUID, stage pipeline.Stage, attempt int, delay time.Duration) error {
	now := time.Now().UTC()
	visibleAt := now.Add(delay)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers (job_id, stage, attempt, visible_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		jobID.String(), string(stage), attempt,
		formatTime(visibleAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueue trigger: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit triggers that are visible at the given time.
// Claims older than claimTTL are treated as abandoned and re-claimed, which
// is what makes delivery at-least-once rather than at-most-once.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, claimTTL time.Duration) ([]Trigger, error) {
	if limit <= 0 {
		limit = 10
	}
	nowStr := formatTime(now)
	staleClaim := formatTime(now.Add(-claimTTL))

	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, job_id, stage, attempt, visible_at, created_at
		 FROM triggers
		 WHERE visible_at <= ? AND (claimed_at IS NULL OR claimed_at <= ?)
		 ORDER BY visible_at
		 LIMIT ?`,
		nowStr, staleClaim, limit)
	if err != nil {
		return nil, fmt.Errorf("select due triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []Trigger
	for rows.Next() {
		var (
			t         Trigger
			jobID     string
			stage     string
			visibleAt string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &jobID, &stage, &t.Attempt, &visibleAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		if t.JobID, err = uuid.Parse(jobID); err != nil {
			return nil, fmt.Errorf("parse trigger job_id: %w", err)
		}
		t.Stage = pipeline.Stage(stage)
		if t.VisibleAt, err = parseTime(visibleAt); err != nil {
			return nil, fmt.Errorf("parse visible_at: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}

	// Claim each candidate conditionally. A concurrent claimer loses the
	// race on RowsAffected and the trigger is simply skipped here.
	claimed := make([]Trigger, 0, len(candidates))
	for _, t := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE triggers SET claimed_at = ?
			 WHERE trigger_id = ? AND (claimed_at IS NULL OR claimed_at <= ?)`,
			nowStr, t.ID, staleClaim)
		if err != nil {
			return nil, fmt.Errorf("claim trigger %d: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

// Complete removes a processed trigger. Completing an already-removed
// trigger is a no-op.
func (s *Store) Complete(ctx context.Context, triggerID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM triggers WHERE trigger_id = ?`, triggerID); err != nil {
		return fmt.Errorf("complete trigger: %w", err)
	}
	return nil
}

// Release makes a claimed trigger visible again after delay, bumping its
// attempt counter. Used for retry scheduling after a transient fault.
func (s *Store) Release(ctx context.Context, triggerID int64, delay time.Duration) error {
	visibleAt := formatTime(time.Now().Add(delay))
	if _, err := s.db.ExecContext(ctx,
		`UPDATE triggers
		 SET claimed_at = NULL, visible_at = ?, attempt = attempt + 1
		 WHERE trigger_id = ?`,
		visibleAt, triggerID); err != nil {
		return fmt.Errorf("release trigger: %w", err)
	}
	return nil
}

// Reschedule makes a claimed trigger visible again after delay without
// touching its attempt counter. Used for polling stages, where coming back
// later is the normal outcome rather than a retry.
func (s *Store) Reschedule(ctx context.Context, triggerID int64, delay time.Duration) error {
	visibleAt := formatTime(time.Now().Add(delay))
	if _, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET claimed_at = NULL, visible_at = ? WHERE trigger_id = ?`,
		visibleAt, triggerID); err != nil {
		return fmt.Errorf("reschedule trigger: %w", err)
	}
	return nil
}

// PendingTriggers counts triggers not yet completed, for the metrics
// endpoint and tests.
func (s *Store) PendingTriggers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM triggers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count triggers: %w", err)
	}
	return n, nil
}
