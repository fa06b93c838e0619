package archive

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

CREATE TABLE IF NOT EXISTS messages (
	folder       TEXT NOT NULL,
	uid          TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	email_date   DATETIME NOT NULL,
	record_id    TEXT NOT NULL DEFAULT '',
	attachments  INTEGER NOT NULL DEFAULT 0,
	mirrored_at  DATETIME NOT NULL,
	PRIMARY KEY (folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_mirrored_at ON messages(mirrored_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
