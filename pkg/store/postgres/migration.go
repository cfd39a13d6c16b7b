package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				spec JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (name, version)
			);

			CREATE TABLE trigger_schedules (
				workflow_name VARCHAR(255) PRIMARY KEY,
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				rev BIGINT NOT NULL
			);

			CREATE INDEX idx_trigger_schedules_due ON trigger_schedules(next_due_at) WHERE active;

			CREATE TABLE runs (
				id UUID PRIMARY KEY,
				workflow_name VARCHAR(255) NOT NULL,
				workflow_version INTEGER NOT NULL,
				state VARCHAR(50) NOT NULL,
				cause VARCHAR(50) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				rev BIGINT NOT NULL
			);

			CREATE INDEX idx_runs_started_at ON runs(started_at DESC);
			CREATE INDEX idx_runs_workflow_started_at ON runs(workflow_name, started_at DESC);

			-- Enforces the single active run per workflow policy at the
			-- durability boundary.
			CREATE UNIQUE INDEX idx_runs_single_active ON runs(workflow_name)
				WHERE state NOT IN ('succeeded', 'failed', 'cancelled');

			CREATE TABLE step_instances (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				step_name VARCHAR(255) NOT NULL,
				state VARCHAR(50) NOT NULL,
				attempt INTEGER NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				worker_id VARCHAR(255) NOT NULL DEFAULT '',
				eligible_at TIMESTAMP WITH TIME ZONE NOT NULL,
				dispatched_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				rev BIGINT NOT NULL,
				UNIQUE (run_id, step_name)
			);

			CREATE INDEX idx_step_instances_run_id ON step_instances(run_id);
		`,
	}
}
