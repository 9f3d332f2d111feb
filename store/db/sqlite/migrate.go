package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/vocerohq/vocero/internal/version"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		customer TEXT,
		program_type TEXT NOT NULL,
		phase TEXT NOT NULL,
		messages TEXT,
		session_start TEXT NOT NULL,
		max_duration_sec INTEGER NOT NULL,
		intent_timeout_sec INTEGER NOT NULL,
		platform TEXT,
		insights TEXT,
		objections TEXT,
		program_switches TEXT,
		tier_progression TEXT,
		experiment_assignments TEXT,
		end_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations (customer_id, session_start DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_phase ON conversations (phase)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		experiment_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		hypothesis TEXT,
		variants TEXT NOT NULL,
		target_metric TEXT NOT NULL,
		min_sample INTEGER NOT NULL,
		confidence_level REAL NOT NULL,
		min_duration_hours INTEGER NOT NULL,
		auto_deploy INTEGER NOT NULL DEFAULT 0,
		targeting TEXT,
		status TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT,
		winner TEXT,
		win_confidence REAL,
		bandit TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments (status)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		conversation_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		program_type TEXT,
		outcome TEXT NOT NULL,
		end_reason TEXT,
		tier_recommended TEXT,
		tier_accepted TEXT,
		satisfaction REAL,
		metrics TEXT,
		experiment_assignments TEXT,
		context TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_outcome ON outcomes (outcome, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		prediction_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		data TEXT,
		confidence REAL NOT NULL,
		actual_outcome TEXT,
		was_correct INTEGER,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_conversation ON predictions (conversation_id)`,
}

// Migrate applies the schema and stamps the current service version.
func (d *DB) Migrate(ctx context.Context) error {
	var stored string
	err := d.db.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&stored)
	if err == nil && version.IsVersionGreaterOrEqualThan(stored, version.Version) && stored != version.Version {
		slog.Info("store: schema is from a newer release, skipping migrate", "stored", stored, "current", version.Version)
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		slog.Debug("store: schema version probe failed, assuming fresh database", "error", err.Error())
	}

	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("failed to apply schema: %w", err))
		}
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO schema_version (id, version, updated_at) VALUES (1, ?, datetime('now'))
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version, updated_at = datetime('now')`,
		version.Version); err != nil {
		return classify(fmt.Errorf("failed to stamp schema version: %w", err))
	}
	slog.Info("store: schema ready", "driver", "sqlite", "version", version.Version)
	return nil
}
