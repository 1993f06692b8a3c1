package sqlstore

// schema holds the reference DDL from spec section 6 as literal
// statements, one set per backend; the two sets have the same tables
// and columns and differ only in column types (e.g. TIMESTAMP vs
// TIMESTAMPTZ). This mirrors resolved_table.go's resolvedTableSchema: a single
// CREATE TABLE IF NOT EXISTS const per table, executed once at Open
// time.
type schema struct {
	links     string
	cursors   string
	jobs      string
	runs      string
	conflicts string
}

var sqliteSchema = schema{
	links: `
CREATE TABLE IF NOT EXISTS links (
	src_adapter  TEXT NOT NULL,
	src_table    TEXT NOT NULL,
	src_id       TEXT NOT NULL,
	dest_adapter TEXT NOT NULL,
	dest_table   TEXT NOT NULL,
	dest_id      TEXT NOT NULL,
	last_sync_ts TIMESTAMP,
	PRIMARY KEY (src_adapter, src_table, src_id, dest_adapter, dest_table, dest_id)
)`,
	cursors: `
CREATE TABLE IF NOT EXISTS cursors (
	job_id       TEXT NOT NULL,
	adapter      TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	cursor_token TEXT NOT NULL DEFAULT '',
	fail_count   INTEGER NOT NULL DEFAULT 0,
	disabled_at  TIMESTAMP,
	PRIMARY KEY (job_id, adapter, table_name)
)`,
	jobs: `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	disabled_at TIMESTAMP
)`,
	runs: `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	ended_at     TIMESTAMP NOT NULL,
	status       TEXT NOT NULL,
	summary_json TEXT NOT NULL
)`,
	conflicts: `
CREATE TABLE IF NOT EXISTS conflicts (
	conflict_id  TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	src_adapter  TEXT NOT NULL,
	src_table    TEXT NOT NULL,
	src_id       TEXT NOT NULL,
	dest_adapter TEXT NOT NULL,
	dest_table   TEXT NOT NULL,
	dest_id      TEXT NOT NULL,
	src_payload  TEXT NOT NULL,
	dest_payload TEXT NOT NULL,
	detected_at  TIMESTAMP NOT NULL
)`,
}

var postgresSchema = schema{
	links: `
CREATE TABLE IF NOT EXISTS links (
	src_adapter  TEXT NOT NULL,
	src_table    TEXT NOT NULL,
	src_id       TEXT NOT NULL,
	dest_adapter TEXT NOT NULL,
	dest_table   TEXT NOT NULL,
	dest_id      TEXT NOT NULL,
	last_sync_ts TIMESTAMPTZ,
	PRIMARY KEY (src_adapter, src_table, src_id, dest_adapter, dest_table, dest_id)
)`,
	cursors: `
CREATE TABLE IF NOT EXISTS cursors (
	job_id       TEXT NOT NULL,
	adapter      TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	cursor_token TEXT NOT NULL DEFAULT '',
	fail_count   INT NOT NULL DEFAULT 0,
	disabled_at  TIMESTAMPTZ,
	PRIMARY KEY (job_id, adapter, table_name)
)`,
	jobs: `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	disabled_at TIMESTAMPTZ
)`,
	runs: `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	summary_json TEXT NOT NULL
)`,
	conflicts: `
CREATE TABLE IF NOT EXISTS conflicts (
	conflict_id  TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	src_adapter  TEXT NOT NULL,
	src_table    TEXT NOT NULL,
	src_id       TEXT NOT NULL,
	dest_adapter TEXT NOT NULL,
	dest_table   TEXT NOT NULL,
	dest_id      TEXT NOT NULL,
	src_payload  TEXT NOT NULL,
	dest_payload TEXT NOT NULL,
	detected_at  TIMESTAMPTZ NOT NULL
)`,
}
