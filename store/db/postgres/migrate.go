package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/vocerohq/vocero/internal/version"
)

// schema is idempotent: every statement tolerates re-runs.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		id INT PRIMARY KEY DEFAULT 1,
		version TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id UUID PRIMARY KEY,
		customer_id TEXT NOT NULL,
		customer JSONB,
		program_type TEXT NOT NULL,
		phase TEXT NOT NULL,
		messages JSONB,
		session_start TIMESTAMPTZ NOT NULL,
		max_duration_sec INT NOT NULL,
		intent_timeout_sec INT NOT NULL,
		platform JSONB,
		insights JSONB,
		objections JSONB,
		program_switches JSONB,
		tier_progression JSONB,
		experiment_assignments JSONB,
		end_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations (customer_id, session_start DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_phase ON conversations (phase)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		experiment_id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		hypothesis TEXT,
		variants JSONB NOT NULL,
		target_metric TEXT NOT NULL,
		min_sample INT NOT NULL,
		confidence_level DOUBLE PRECISION NOT NULL,
		min_duration_hours INT NOT NULL,
		auto_deploy BOOLEAN NOT NULL DEFAULT FALSE,
		targeting TEXT,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		winner TEXT,
		win_confidence DOUBLE PRECISION,
		bandit JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments (status)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		conversation_id UUID PRIMARY KEY,
		customer_id TEXT NOT NULL,
		program_type TEXT,
		outcome TEXT NOT NULL,
		end_reason TEXT,
		tier_recommended TEXT,
		tier_accepted TEXT,
		satisfaction DOUBLE PRECISION,
		metrics JSONB,
		experiment_assignments JSONB,
		context JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_outcome ON outcomes (outcome, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		prediction_id TEXT PRIMARY KEY,
		conversation_id UUID NOT NULL,
		model_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		data JSONB,
		confidence DOUBLE PRECISION NOT NULL,
		actual_outcome TEXT,
		was_correct BOOLEAN,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_conversation ON predictions (conversation_id)`,
}

// Migrate applies the schema and stamps the current service version. Already
// migrated databases from a newer release are left untouched.
func (d *DB) Migrate(ctx context.Context) error {
	var stored string
	err := d.db.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&stored)
	if err == nil && version.IsVersionGreaterOrEqualThan(stored, version.Version) && stored != version.Version {
		slog.Info("store: schema is from a newer release, skipping migrate", "stored", stored, "current", version.Version)
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		// Bootstrap path: schema_version itself may not exist yet.
		slog.Debug("store: schema version probe failed, assuming fresh database", "error", err.Error())
	}

	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("failed to apply schema: %w", err))
		}
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO schema_version (id, version, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = now()`,
		version.Version); err != nil {
		return classify(fmt.Errorf("failed to stamp schema version: %w", err))
	}
	slog.Info("store: schema ready", "driver", "postgres", "version", version.Version)
	return nil
}
