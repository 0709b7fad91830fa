package jobstore

import (
	"context"
	"fmt"
)

const schemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			country TEXT NOT NULL,
			region TEXT NOT NULL,
			city TEXT NOT NULL,
			fips_code TEXT NOT NULL,
			status TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			destination_bucket TEXT,
			destination_prefix TEXT,
			version TEXT,
			cluster_arn TEXT,
			task_arn TEXT,
			task_last_status TEXT,
			provision_attempts INTEGER NOT NULL DEFAULT 0,
			launch_attempts INTEGER NOT NULL DEFAULT 0,
			observe_failures INTEGER NOT NULL DEFAULT 0,
			reclaim_attempts INTEGER NOT NULL DEFAULT 0,
			task_started_at TEXT,
			task_stopped_at TEXT,
			result_json TEXT,
			results_recorded INTEGER NOT NULL DEFAULT 0,
			reclaimed INTEGER NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_city ON jobs(country, region, city);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS job_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			stage TEXT NOT NULL,
			category TEXT NOT NULL,
			detail TEXT,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);`,

		`CREATE TABLE IF NOT EXISTS triggers (
			trigger_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			visible_at TEXT NOT NULL,
			claimed_at TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_visible_at ON triggers(visible_at);`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			letter_id INTEGER PRIMARY KEY AUTOINCREMENT,
			received_at TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (id, schema_version, created_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		schemaVersion, nowRFC3339()); err != nil {
		return fmt.Errorf("init schema meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
