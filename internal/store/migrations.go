package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	user_id      TEXT NOT NULL,
	id           TEXT NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	time         INTEGER NOT NULL DEFAULT 0,
	num_messages INTEGER NOT NULL DEFAULT 0,
	num_unread   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	user_id         TEXT NOT NULL,
	id              TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	time            INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 0 CHECK(unread IN (0, 1)),
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS item_labels (
	user_id   TEXT NOT NULL,
	item_kind TEXT NOT NULL CHECK(item_kind IN ('conversation', 'message')),
	item_id   TEXT NOT NULL,
	label_id  TEXT NOT NULL,
	PRIMARY KEY (user_id, item_kind, item_id, label_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
	user_id TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, key)
);

CREATE INDEX IF NOT EXISTS idx_conversations_time ON conversations(user_id, time);
CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(user_id, time);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(user_id, conversation_id);
CREATE INDEX IF NOT EXISTS idx_item_labels_label ON item_labels(user_id, item_kind, label_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
