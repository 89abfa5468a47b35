package backup

import (
	"database/sql"
	"errors"
)

// indexSchemaVersion is the current version of the per-user index schema
// (spec §3 Index entities, §4.D, §6). Bumping it adds a branch to
// migrateIndexSchema that runs inside the same transaction the rest of the
// open path uses, exactly as spec §6 requires.
const indexSchemaVersion = 1

// migrateIndexSchema creates or upgrades the chunk/message/mailbox tables.
// Grounded on the teacher's go/ros schema-probe pattern (checkHasQOSProfiles
// in ros2db3_to_mcap.go), which checks a schema_version-equivalent fact
// before deciding whether a migration step is needed.
func migrateIndexSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return newSchemaError("begin index migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return newSchemaError("create schema_version", err)
	}
	var version int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = 0
	} else if err != nil {
		return newSchemaError("read schema_version", err)
	}

	if version < 1 {
		if err := createV1Schema(tx); err != nil {
			return newSchemaError("create v1 schema", err)
		}
	}

	if version == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, indexSchemaVersion); err != nil {
			return newSchemaError("seed schema_version", err)
		}
	} else if version != indexSchemaVersion {
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, indexSchemaVersion); err != nil {
			return newSchemaError("update schema_version", err)
		}
	}
	return tx.Commit()
}

func createV1Schema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE chunk (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_start  INTEGER NOT NULL,
			ts_end    INTEGER NOT NULL,
			offset    INTEGER NOT NULL,
			length    INTEGER,
			file_sha1 TEXT NOT NULL,
			data_sha1 TEXT
		)`,
		`CREATE TABLE message (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			guid      TEXT NOT NULL UNIQUE,
			partition TEXT NOT NULL,
			chunk_id  INTEGER NOT NULL REFERENCES chunk(id),
			offset    INTEGER NOT NULL,
			length    INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_message_chunk_id ON message (chunk_id)`,
		`CREATE TABLE mailbox (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			last_chunk_id   INTEGER NOT NULL REFERENCES chunk(id),
			uniqueid        TEXT NOT NULL UNIQUE,
			mboxname        TEXT NOT NULL UNIQUE,
			acl             TEXT,
			options         TEXT,
			highestmodseq   INTEGER,
			sync_crc        INTEGER,
			sync_crc_annot  INTEGER,
			quotaroot       TEXT,
			annotations     BLOB,
			deleted         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX idx_mailbox_last_chunk_id ON mailbox (last_chunk_id)`,
		`CREATE TABLE mailbox_message (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			mailbox_id    INTEGER NOT NULL REFERENCES mailbox(id),
			message_id    INTEGER NOT NULL REFERENCES message(id),
			last_chunk_id INTEGER NOT NULL REFERENCES chunk(id),
			uid           INTEGER NOT NULL,
			modseq        INTEGER NOT NULL,
			flags         TEXT,
			internaldate  INTEGER,
			guid          TEXT NOT NULL,
			size          INTEGER,
			annotations   BLOB,
			expunged      INTEGER NOT NULL DEFAULT 0,
			UNIQUE (mailbox_id, uid)
		)`,
		`CREATE INDEX idx_mailbox_message_last_chunk_id ON mailbox_message (last_chunk_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
