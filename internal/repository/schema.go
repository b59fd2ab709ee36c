package repository

// Schema definitions for the formrules database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuleSets = `
CREATE TABLE IF NOT EXISTS rule_sets (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    check_for_visit_id INTEGER NOT NULL DEFAULT 0,
    body TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_sets_tenant ON rule_sets(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_sets_enabled ON rule_sets(tenant_id, enabled);
`

// schemaFormSnapshots holds the latest tree, reference copy and run-once
// field ids of each form instance.
const schemaFormSnapshots = `
CREATE TABLE IF NOT EXISTS form_snapshots (
    tenant_id TEXT NOT NULL,
    form_key TEXT NOT NULL,
    rule_set_id TEXT NOT NULL DEFAULT '',
    tree TEXT NOT NULL,
    ref TEXT,
    run_once TEXT,
    active_folder_id INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, form_key)
);
`

const schemaFieldValues = `
CREATE TABLE IF NOT EXISTS field_values (
    tenant_id TEXT NOT NULL,
    form_key TEXT NOT NULL,
    group_key TEXT NOT NULL DEFAULT '',
    field_id BIGINT NOT NULL,
    value TEXT NOT NULL,
    specified_value TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, form_key, group_key, field_id)
);

CREATE INDEX IF NOT EXISTS idx_field_values_form ON field_values(tenant_id, form_key);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    form_key TEXT NOT NULL,
    changed INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    body TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_form ON evaluations(tenant_id, form_key);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuleSets,
		schemaFormSnapshots,
		schemaFieldValues,
		schemaEvaluations,
	}
}
