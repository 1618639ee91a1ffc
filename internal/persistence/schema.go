package persistence

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chats (
	jid             TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL DEFAULT '',
	folder          TEXT NOT NULL UNIQUE,
	trigger_pattern TEXT NOT NULL DEFAULT '',
	is_admin        INTEGER NOT NULL DEFAULT 0,
	config_overlay  TEXT NOT NULL DEFAULT '',
	added_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT NOT NULL,
	chat_jid     TEXT NOT NULL,
	sender_id    TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	timestamp    TIMESTAMP NOT NULL,
	is_from_me   INTEGER NOT NULL DEFAULT 0,
	message_type TEXT NOT NULL DEFAULT 'user',
	metadata     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, chat_jid)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_jid_timestamp ON messages(chat_jid, timestamp);

CREATE TABLE IF NOT EXISTS channel_cursors (
	channel_name TEXT NOT NULL,
	chat_jid     TEXT NOT NULL,
	direction    TEXT NOT NULL,
	watermark    TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (channel_name, chat_jid, direction)
);

CREATE TABLE IF NOT EXISTS outbound_ledger (
	id         TEXT PRIMARY KEY,
	chat_jid   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_deliveries (
	id            TEXT PRIMARY KEY,
	ledger_id     TEXT NOT NULL REFERENCES outbound_ledger(id) ON DELETE CASCADE,
	channel_name  TEXT NOT NULL,
	delivered_at  TIMESTAMP,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbound_deliveries_pending ON outbound_deliveries(channel_name, ledger_id) WHERE delivered_at IS NULL;

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id               TEXT PRIMARY KEY,
	workspace_folder TEXT NOT NULL,
	schedule_type    TEXT NOT NULL,
	schedule_value   TEXT NOT NULL,
	timezone         TEXT NOT NULL DEFAULT 'UTC',
	prompt           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'active',
	next_run         TIMESTAMP,
	last_run         TIMESTAMP,
	last_result      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP NOT NULL,
	success    INTEGER NOT NULL DEFAULT 0,
	output     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS host_jobs (
	id               TEXT PRIMARY KEY,
	workspace_folder TEXT NOT NULL,
	schedule_type    TEXT NOT NULL,
	schedule_value   TEXT NOT NULL,
	timezone         TEXT NOT NULL DEFAULT 'UTC',
	command          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'active',
	next_run         TIMESTAMP,
	last_run         TIMESTAMP,
	last_result      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS jid_aliases (
	channel_name  TEXT NOT NULL,
	channel_jid   TEXT NOT NULL,
	canonical_jid TEXT NOT NULL,
	PRIMARY KEY (channel_name, channel_jid)
);
CREATE INDEX IF NOT EXISTS idx_jid_aliases_canonical ON jid_aliases(canonical_jid);

CREATE TABLE IF NOT EXISTS router_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	workspace_folder TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS registered_groups (
	folder     TEXT PRIMARY KEY,
	jid        TEXT NOT NULL UNIQUE,
	registered_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id               TEXT PRIMARY KEY,
	workspace_folder TEXT NOT NULL,
	content          TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_workspace ON memories(workspace_folder);
`
