package registry

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations, applied in
// sequence starting from 1. The credential blob lives in the same row as
// the account so that one transaction always covers both.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	display_name      TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
	poll_interval_sec INTEGER NOT NULL DEFAULT 0,
	state_tag         TEXT NOT NULL DEFAULT 'logged_out',
	credentials       BLOB DEFAULT NULL,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	UNIQUE(email, endpoint)
);

CREATE INDEX IF NOT EXISTS idx_accounts_enabled ON accounts(enabled);

CREATE TABLE IF NOT EXISTS settings (
	id                INTEGER PRIMARY KEY CHECK(id = 1),
	poll_interval_sec INTEGER NOT NULL DEFAULT 300
);

INSERT OR IGNORE INTO settings (id, poll_interval_sec) VALUES (1, 300);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
