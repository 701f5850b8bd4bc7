package store

type migration struct {
	version int
	sql     string
}

// migrations are applied in order; versions start at 1 and never change
// once released.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL,
	refresh_token     TEXT NOT NULL DEFAULT '',
	access_token      TEXT NOT NULL DEFAULT '',
	token_expiry      INTEGER NOT NULL DEFAULT 0,
	notification_time TEXT NOT NULL DEFAULT '',
	summary_format    TEXT NOT NULL DEFAULT 'concise',
	notify_by_email   INTEGER NOT NULL DEFAULT 0,
	last_sync_at      INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_notification_time ON users(notification_time);

CREATE TABLE IF NOT EXISTS digests (
	user_id      TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	summary      TEXT NOT NULL,
	meta_summary TEXT NOT NULL DEFAULT '',
	cycle_id     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_leases (
	user_id    TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL UNIQUE,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, next_attempt_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	cycle_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	trigger_kind    TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	fetched         INTEGER NOT NULL DEFAULT 0,
	relevant        INTEGER NOT NULL DEFAULT 0,
	skipped_batches INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_user ON sync_runs(user_id, started_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
