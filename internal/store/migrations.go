package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create conversations and transitions",
		SQL: `
			CREATE TABLE conversations (
				id               TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL DEFAULT '',
				anonymous        INTEGER NOT NULL DEFAULT 0,
				merchant_id      TEXT NOT NULL DEFAULT '',
				scenario         TEXT NOT NULL DEFAULT '',
				workflow         TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL DEFAULT (datetime('now')),
				last_activity_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_conversations_user ON conversations (user_id);

			CREATE TABLE workflow_transitions (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				from_workflow   TEXT NOT NULL DEFAULT '',
				to_workflow     TEXT NOT NULL,
				reason          TEXT NOT NULL DEFAULT '',
				at              TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_transitions_conversation ON workflow_transitions (conversation_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "create overrides and handoffs",
		SQL: `
			CREATE TABLE overrides (
				conversation_id TEXT PRIMARY KEY,
				target_workflow TEXT NOT NULL,
				created_at      TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE handoffs (
				key             TEXT PRIMARY KEY,
				target_workflow TEXT NOT NULL,
				completion_data TEXT,
				expires_at      INTEGER NOT NULL
			);

			CREATE INDEX idx_handoffs_expiry ON handoffs (expires_at);
		`,
	},
}
