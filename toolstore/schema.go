package toolstore

// schema is the DDL for the SQL backend's single table. Columns map
// one-to-one onto dyntool.DynamicTool; revision is the optimistic
// concurrency token, incremented by the application (not a trigger) so
// SQLBackend controls exactly when it moves.
const schema = `
CREATE TABLE IF NOT EXISTS dynamic_tools (
	name          TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL,
	image         TEXT NOT NULL,
	timeout_ms    INTEGER NOT NULL,
	dependencies  TEXT NOT NULL DEFAULT '[]',
	code          TEXT NOT NULL,
	input_schema  TEXT,
	enabled       INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	revision      INTEGER NOT NULL DEFAULT 1
);
`
