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
		Name:    "create conversation turns",
		SQL: `
			CREATE TABLE turns (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL,
				user_id     TEXT NOT NULL DEFAULT '',
				message_id  TEXT NOT NULL DEFAULT '',
				role        TEXT NOT NULL,
				content     TEXT NOT NULL,
				timestamp   TEXT NOT NULL
			);

			CREATE INDEX idx_turns_session ON turns (session_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "create dead letters",
		SQL: `
			CREATE TABLE dead_letters (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id         TEXT NOT NULL,
				session_id         TEXT NOT NULL,
				failure_reason     TEXT NOT NULL,
				failed_at          TEXT NOT NULL,
				final_retry_count  INTEGER NOT NULL,
				message            TEXT NOT NULL
			);

			CREATE INDEX idx_dead_letters_message ON dead_letters (message_id);
		`,
	},
}
