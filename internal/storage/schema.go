// Package storage provides pipeline persistence using SQLite.
package storage

// Schema definitions for the pipeline database
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	persona TEXT NOT NULL,
	category TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	step INTEGER NOT NULL DEFAULT 1,
	phase TEXT NOT NULL,
	retry_count INTEGER DEFAULT 0,
	error_message TEXT DEFAULT '',
	claim_token TEXT DEFAULT '',
	published_id TEXT DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_step_phase ON jobs(step, phase);
CREATE INDEX IF NOT EXISTS idx_jobs_claim_token ON jobs(claim_token);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS persona_configs (
	persona TEXT PRIMARY KEY,
	format TEXT NOT NULL,
	timing_profile TEXT NOT NULL,
	audio_track TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	updated_by TEXT NOT NULL,
	last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analytics_records (
	id TEXT PRIMARY KEY,
	published_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	persona TEXT NOT NULL,
	format TEXT NOT NULL,
	timing_bucket TEXT NOT NULL,
	audio_track TEXT NOT NULL,
	views INTEGER NOT NULL,
	watch_time_seconds REAL NOT NULL,
	completion_rate REAL NOT NULL,
	collected_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analytics_published_id ON analytics_records(published_id);
CREATE INDEX IF NOT EXISTS idx_analytics_persona ON analytics_records(persona);
CREATE INDEX IF NOT EXISTS idx_analytics_account_id ON analytics_records(account_id);

CREATE TABLE IF NOT EXISTS refinement_reports (
	id TEXT PRIMARY KEY,
	report_date TEXT NOT NULL,
	report_json TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_created_at ON refinement_reports(created_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
}
