// internal/store/schema.go
package store

// Timestamps are Unix microseconds in BIGINT columns and booleans are
// 0/1 integers so the same DDL runs on SQLite and Postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS trigger_types (
    ref TEXT PRIMARY KEY,
    pack TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    payload_schema TEXT,
    parameters_schema TEXT
)`,

	`CREATE TABLE IF NOT EXISTS triggers (
    id TEXT PRIMARY KEY,
    ref TEXT NOT NULL UNIQUE,
    pack TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    parameters TEXT,
    uid TEXT NOT NULL UNIQUE,
    created_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS trigger_instances (
    id TEXT PRIMARY KEY,
    trigger_ref TEXT NOT NULL,
    payload TEXT,
    occurred_at BIGINT NOT NULL,
    status TEXT NOT NULL,
    trace_tag TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_trigger_instances_occurred ON trigger_instances(occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_trigger_instances_status ON trigger_instances(status, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    ref TEXT NOT NULL UNIQUE,
    pack TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    enabled INTEGER NOT NULL,
    type TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    trigger_ref TEXT NOT NULL,
    trigger_parameters TEXT,
    criteria TEXT,
    action_ref TEXT NOT NULL,
    action_parameters TEXT,
    tags TEXT,
    updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_trigger ON rules(trigger_ref, enabled)`,

	`CREATE TABLE IF NOT EXISTS rule_enforcements (
    id TEXT PRIMARY KEY,
    rule_ref TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    trigger_instance_id TEXT NOT NULL,
    execution_id TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    enforced_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rule_enforcements_instance ON rule_enforcements(trigger_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rule_enforcements_enforced ON rule_enforcements(enforced_at)`,

	`CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    ref TEXT NOT NULL UNIQUE,
    pack TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    enabled INTEGER NOT NULL,
    runner_type TEXT NOT NULL,
    parameters TEXT
)`,

	`CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    runner_type TEXT NOT NULL,
    parameters TEXT,
    status TEXT NOT NULL,
    context TEXT,
    result TEXT,
    start_timestamp BIGINT NOT NULL,
    end_timestamp BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_action_status ON executions(action, status)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,

	`CREATE TABLE IF NOT EXISTS policies (
    id TEXT PRIMARY KEY,
    ref TEXT NOT NULL UNIQUE,
    pack TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    enabled INTEGER NOT NULL,
    resource_ref TEXT NOT NULL,
    policy_type TEXT NOT NULL,
    parameters TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_resource ON policies(resource_ref)`,

	`CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS scheduling_queue (
    id TEXT PRIMARY KEY,
    liveaction_id TEXT NOT NULL,
    state TEXT NOT NULL,
    original_start_timestamp BIGINT NOT NULL,
    scheduled_start_timestamp BIGINT NOT NULL,
    claimed_by TEXT,
    claimed_at BIGINT NOT NULL DEFAULT 0,
    message TEXT,
    updated_at BIGINT NOT NULL
)`,
	// At most one unhandled item per liveaction makes enqueue idempotent.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduling_queue_active
    ON scheduling_queue(liveaction_id) WHERE state <> 'handled'`,
	`CREATE INDEX IF NOT EXISTS idx_scheduling_queue_ready
    ON scheduling_queue(state, scheduled_start_timestamp, original_start_timestamp)`,
}
