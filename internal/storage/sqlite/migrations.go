package sqlite

import (
	"context"
	"database/sql"
)

// Migrate runs all database migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Causal chain. seq is assigned by the ledger, never by SQLite.
		`CREATE TABLE IF NOT EXISTS actions (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			plan_id TEXT NOT NULL,
			plan_seq INTEGER NOT NULL,
			step_id TEXT,
			intent_id TEXT,
			request_id TEXT,
			parent_id TEXT,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload_json TEXT,
			outcome TEXT,
			hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			chain_hash TEXT NOT NULL,
			plan_prev_hash TEXT NOT NULL,
			plan_chain_hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			signature_key_id TEXT NOT NULL,
			UNIQUE(plan_id, plan_seq)
		)`,

		// Checkpoints, content addressed
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		// At most one resumption per checkpoint
		`CREATE TABLE IF NOT EXISTS resumptions (
			checkpoint_id TEXT PRIMARY KEY,
			result_digest TEXT NOT NULL,
			result_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(id)
		)`,

		// Plan archive
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			plan_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_actions_step ON actions(plan_id, step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_intent ON actions(intent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_request ON actions(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_parent ON actions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_capability ON actions(json_extract(payload_json, '$.capability'))`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_plan ON checkpoints(plan_id)`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}

	return nil
}
