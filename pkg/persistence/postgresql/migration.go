package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS validation_runs (
				id UUID PRIMARY KEY,
				submission_id TEXT NOT NULL,
				validator_id TEXT NOT NULL,
				organization_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				failure_category TEXT NOT NULL DEFAULT '',
				failure_detail TEXT NOT NULL DEFAULT '',
				execution_id TEXT NOT NULL DEFAULT '',
				backend_kind TEXT NOT NULL DEFAULT '',
				payload JSONB,
				metadata JSONB,
				started_at TIMESTAMP WITH TIME ZONE,
				ended_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_validation_runs_status_started
				ON validation_runs (status, started_at);

			CREATE TABLE IF NOT EXISTS step_runs (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES validation_runs(id),
				step_id TEXT NOT NULL,
				status TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (run_id, step_id)
			);

			CREATE TABLE IF NOT EXISTS findings (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES validation_runs(id),
				step_run_id UUID,
				assertion_id TEXT NOT NULL DEFAULT '',
				severity TEXT NOT NULL,
				message TEXT NOT NULL,
				path TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_findings_run ON findings (run_id);
			CREATE INDEX IF NOT EXISTS idx_findings_step ON findings (step_run_id);

			CREATE TABLE IF NOT EXISTS run_summaries (
				run_id UUID PRIMARY KEY REFERENCES validation_runs(id),
				total_count INTEGER NOT NULL DEFAULT 0,
				error_count INTEGER NOT NULL DEFAULT 0,
				warning_count INTEGER NOT NULL DEFAULT 0,
				info_count INTEGER NOT NULL DEFAULT 0,
				success_count INTEGER NOT NULL DEFAULT 0,
				step_counts JSONB,
				rebuilt_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS callback_receipts (
				callback_id TEXT PRIMARY KEY,
				run_id UUID NOT NULL,
				status TEXT NOT NULL,
				received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE IF NOT EXISTS validators (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				allow_free_targets BOOLEAN NOT NULL DEFAULT FALSE,
				emit_success_findings BOOLEAN NOT NULL DEFAULT FALSE,
				schema_json TEXT NOT NULL DEFAULT '',
				entries JSONB
			);

			CREATE TABLE IF NOT EXISTS validator_steps (
				id TEXT PRIMARY KEY,
				validator_id TEXT NOT NULL REFERENCES validators(id),
				name TEXT NOT NULL,
				display_order INTEGER NOT NULL DEFAULT 0,
				engine TEXT NOT NULL,
				ruleset_id TEXT NOT NULL DEFAULT '',
				backend TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS rulesets (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				organization_id TEXT NOT NULL DEFAULT '',
				author TEXT NOT NULL DEFAULT '',
				assertions JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
	}
}
