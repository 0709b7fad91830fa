package jobstore

import (
	"context"
	"fmt"
	"time"
)

// DeadLetter is a submission that could never become a job: malformed
// payloads and validation failures land here for operator inspection
// instead of being retried forever.
type DeadLetter struct {
	ID         int64
	ReceivedAt time.Time
	Reason     string
	Payload    string
}

// DeadLetterSubmission stores an unprocessable submission payload.
func (s *Store) DeadLetterSubmission(ctx context.Context, reason, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (received_at, reason, payload) VALUES (?, ?, ?)`,
		nowRFC3339(), reason, payload)
	if err != nil {
		return fmt.Errorf("dead-letter submission: %w", err)
	}
	return nil
}

// ListDeadLetters returns stored dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT letter_id, received_at, reason, payload
		 FROM dead_letters ORDER BY letter_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl         DeadLetter
			receivedAt string
		)
		if err := rows.Scan(&dl.ID, &receivedAt, &dl.Reason, &dl.Payload); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if dl.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, fmt.Errorf("parse received_at: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
