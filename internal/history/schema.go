package history

// Schema is the history ledger schema. The ledger is append-only during
// normal operation: rows in backups are inserted by Append and removed only
// by retention pruning, never updated.
const Schema = `
CREATE TABLE IF NOT EXISTS backups (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	source_root  TEXT NOT NULL,
	created_ns   INTEGER NOT NULL,
	type         TEXT NOT NULL CHECK (type IN ('full', 'differential')),
	baseline_id  INTEGER REFERENCES backups(id),
	archive_path TEXT NOT NULL,
	format       TEXT NOT NULL CHECK (format IN ('zip', 'targz')),
	warnings     TEXT NOT NULL DEFAULT '[]',
	processed    INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	total_bytes  INTEGER NOT NULL DEFAULT 0,
	elapsed_ns   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_backups_source_root ON backups(source_root, id);

CREATE TABLE IF NOT EXISTS backup_entries (
	backup_id   INTEGER NOT NULL REFERENCES backups(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	path        TEXT NOT NULL,
	kind        TEXT NOT NULL CHECK (kind IN ('file', 'directory', 'symlink')),
	fingerprint TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	mode        INTEGER NOT NULL DEFAULT 0,
	mtime_ns    INTEGER NOT NULL DEFAULT 0,
	link_target TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (backup_id, position)
);

CREATE INDEX IF NOT EXISTS idx_backup_entries_path ON backup_entries(backup_id, path);

CREATE TABLE IF NOT EXISTS backup_deletions (
	backup_id INTEGER NOT NULL REFERENCES backups(id) ON DELETE CASCADE,
	path      TEXT NOT NULL,
	PRIMARY KEY (backup_id, path)
);
`
