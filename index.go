package backup

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Index is the relational persistence layer of spec §4.D: chunks, messages,
// mailboxes, and mailbox-message rows for one user's backup, schema-versioned
// and migrated on open.
type Index struct {
	db   *sql.DB
	path string
}

func openIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, newSchemaError("open index", err)
	}
	if err := migrateIndexSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Index{db: db, path: path}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// indexTx is the "backup_index" named transaction of spec §4.D: every
// mutation made over the course of one append session (or one reindexed
// chunk) is scoped to it, using a SAVEPOINT so the name survives in the SQL
// itself rather than just in code comments.
type indexTx struct {
	tx *sql.Tx
}

const appendSessionSavepoint = "backup_index"

func (ix *Index) begin() (*indexTx, error) {
	tx, err := ix.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("backup: begin backup_index transaction: %w", err)
	}
	if _, err := tx.Exec("SAVEPOINT " + appendSessionSavepoint); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("backup: savepoint backup_index: %w", err)
	}
	return &indexTx{tx: tx}, nil
}

func (t *indexTx) commit() error {
	if _, err := t.tx.Exec("RELEASE " + appendSessionSavepoint); err != nil {
		_ = t.tx.Rollback()
		return fmt.Errorf("backup: release backup_index: %w", err)
	}
	return t.tx.Commit()
}

func (t *indexTx) rollback() error {
	// Rolling back the outer transaction also undoes the savepoint; a
	// direct ROLLBACK TO + Commit would leave other, unrelated work in the
	// same *sql.Tx intact, but append sessions never share a Tx with
	// anything else, so a full abort is simplest and correct.
	return t.tx.Rollback()
}

// insertChunkStart inserts the opening row for a new chunk (spec §4.E step
// 1): length and data_sha1 are unknown until the member is fully written, so
// they start NULL and are filled in by finalizeChunk.
func (t *indexTx) insertChunkStart(tsStart int64, offset int64, fileSHA1 string) (int64, error) {
	res, err := t.tx.Exec(
		`INSERT INTO chunk (ts_start, ts_end, offset, length, file_sha1, data_sha1) VALUES (?, ?, ?, NULL, ?, NULL)`,
		tsStart, tsStart, offset, fileSHA1,
	)
	if err != nil {
		return 0, fmt.Errorf("backup: insert chunk: %w", err)
	}
	return res.LastInsertId()
}

// updateChunkTSEnd advances a chunk's ts_end as later APPLY lines are seen
// (spec §3 invariant 3).
func (t *indexTx) updateChunkTSEnd(chunkID, ts int64) error {
	_, err := t.tx.Exec(`UPDATE chunk SET ts_end = ? WHERE id = ?`, ts, chunkID)
	if err != nil {
		return fmt.Errorf("backup: update chunk ts_end: %w", err)
	}
	return nil
}

// finalizeChunk fills in a chunk's length and data_sha1 once the member has
// been fully written (append) or fully replayed (reindex) (spec §4.E step 3,
// §4.G).
func (t *indexTx) finalizeChunk(chunkID int64, length int64, dataSHA1 string) error {
	_, err := t.tx.Exec(`UPDATE chunk SET length = ?, data_sha1 = ? WHERE id = ?`, length, dataSHA1, chunkID)
	if err != nil {
		return fmt.Errorf("backup: finalize chunk: %w", err)
	}
	return nil
}

// upsertMessage stores or replaces a message payload's location (spec §4.E
// MESSAGE command semantics). Re-appearance of a guid within the same or a
// later chunk overwrites its location: the log is authoritative ordering, so
// last-writer-wins.
func (t *indexTx) upsertMessage(guid, partition string, chunkID, offset, length int64) (int64, error) {
	_, err := t.tx.Exec(`
		INSERT INTO message (guid, partition, chunk_id, offset, length) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (guid) DO UPDATE SET partition = excluded.partition, chunk_id = excluded.chunk_id,
			offset = excluded.offset, length = excluded.length
	`, guid, partition, chunkID, offset, length)
	if err != nil {
		return 0, fmt.Errorf("backup: upsert message: %w", err)
	}
	var id int64
	if err := t.tx.QueryRow(`SELECT id FROM message WHERE guid = ?`, guid).Scan(&id); err != nil {
		return 0, fmt.Errorf("backup: fetch message id: %w", err)
	}
	return id, nil
}

// MailboxRecord is the projected, replicated state of one mailbox (spec §3
// Mailbox entity). It is a deterministic fold of APPLY MAILBOX commands.
type MailboxRecord struct {
	UniqueID       string
	MboxName       string
	ACL            string
	Options        string
	HighestModSeq  int64
	SyncCRC        int64
	SyncCRCAnnot   int64
	QuotaRoot      string
	Annotations    []byte
	Deleted        bool
}

// upsertMailbox projects a MAILBOX command onto the Mailbox table (spec §4.E
// MAILBOX command semantics): latest state wins, keyed by uniqueid.
func (t *indexTx) upsertMailbox(rec MailboxRecord, chunkID int64) (int64, error) {
	_, err := t.tx.Exec(`
		INSERT INTO mailbox (
			last_chunk_id, uniqueid, mboxname, acl, options, highestmodseq,
			sync_crc, sync_crc_annot, quotaroot, annotations, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uniqueid) DO UPDATE SET
			last_chunk_id = excluded.last_chunk_id,
			mboxname = excluded.mboxname,
			acl = excluded.acl,
			options = excluded.options,
			highestmodseq = excluded.highestmodseq,
			sync_crc = excluded.sync_crc,
			sync_crc_annot = excluded.sync_crc_annot,
			quotaroot = excluded.quotaroot,
			annotations = excluded.annotations,
			deleted = excluded.deleted
	`,
		chunkID, rec.UniqueID, rec.MboxName, rec.ACL, rec.Options, rec.HighestModSeq,
		rec.SyncCRC, rec.SyncCRCAnnot, rec.QuotaRoot, rec.Annotations, rec.Deleted,
	)
	if err != nil {
		return 0, fmt.Errorf("backup: upsert mailbox: %w", err)
	}
	var id int64
	if err := t.tx.QueryRow(`SELECT id FROM mailbox WHERE uniqueid = ?`, rec.UniqueID).Scan(&id); err != nil {
		return 0, fmt.Errorf("backup: fetch mailbox id: %w", err)
	}
	return id, nil
}

// MailboxMessageRecord is the per-mailbox view of a message (spec §3
// MailboxMessage entity).
type MailboxMessageRecord struct {
	UID          int64
	ModSeq       int64
	Flags        string
	InternalDate int64
	GUID         string
	Size         int64
	Annotations  []byte
}

// upsertMailboxMessage projects one embedded record of a MAILBOX command
// onto the MailboxMessage table, keyed by (mailbox_id, uid).
func (t *indexTx) upsertMailboxMessage(mailboxID, messageID, chunkID int64, rec MailboxMessageRecord) error {
	_, err := t.tx.Exec(`
		INSERT INTO mailbox_message (
			mailbox_id, message_id, last_chunk_id, uid, modseq, flags,
			internaldate, guid, size, annotations, expunged
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (mailbox_id, uid) DO UPDATE SET
			message_id = excluded.message_id,
			last_chunk_id = excluded.last_chunk_id,
			modseq = excluded.modseq,
			flags = excluded.flags,
			internaldate = excluded.internaldate,
			guid = excluded.guid,
			size = excluded.size,
			annotations = excluded.annotations,
			expunged = 0
	`,
		mailboxID, messageID, chunkID, rec.UID, rec.ModSeq, rec.Flags,
		rec.InternalDate, rec.GUID, rec.Size, rec.Annotations,
	)
	if err != nil {
		return fmt.Errorf("backup: upsert mailbox_message: %w", err)
	}
	return nil
}

// expungeMailboxMessage marks a mailbox_message row expunged and advances
// its last_chunk_id (spec §4.E expunge-like command semantics).
func (t *indexTx) expungeMailboxMessage(mailboxID, uid, chunkID int64) error {
	_, err := t.tx.Exec(
		`UPDATE mailbox_message SET expunged = 1, last_chunk_id = ? WHERE mailbox_id = ? AND uid = ?`,
		chunkID, mailboxID, uid,
	)
	if err != nil {
		return fmt.Errorf("backup: expunge mailbox_message: %w", err)
	}
	return nil
}

// mailboxIDByUniqueID resolves a mailbox's row id, or ErrNotFound.
func (t *indexTx) mailboxIDByUniqueID(uniqueID string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(`SELECT id FROM mailbox WHERE uniqueid = ?`, uniqueID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("backup: lookup mailbox by uniqueid: %w", err)
	}
	return id, nil
}

// messageIDByGUID resolves a message's row id, or ErrNotFound.
func (t *indexTx) messageIDByGUID(guid string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(`SELECT id FROM message WHERE guid = ?`, guid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("backup: lookup message by guid: %w", err)
	}
	return id, nil
}

// chunkRow is the projected row shape of the chunk table (spec §3 Chunk
// entity). Length and DataSHA1 are nullable because they are only filled in
// once a chunk's append session reaches AppendEnd.
type chunkRow struct {
	ID       int64
	TSStart  int64
	TSEnd    int64
	Offset   int64
	Length   sql.NullInt64
	FileSHA1 string
	DataSHA1 sql.NullString
}

const chunkColumns = `id, ts_start, ts_end, offset, length, file_sha1, data_sha1`

func scanChunkRow(row interface {
	Scan(dest ...any) error
}) (*chunkRow, error) {
	var c chunkRow
	err := row.Scan(&c.ID, &c.TSStart, &c.TSEnd, &c.Offset, &c.Length, &c.FileSHA1, &c.DataSHA1)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("backup: scan chunk row: %w", err)
	}
	return &c, nil
}

// latestChunk returns the most recently started chunk, or ErrNotFound if the
// index holds none (spec §4.F tail-validation step).
func (ix *Index) latestChunk() (*chunkRow, error) {
	row := ix.db.QueryRow(`SELECT ` + chunkColumns + ` FROM chunk ORDER BY id DESC LIMIT 1`)
	return scanChunkRow(row)
}

// chunkByID returns one chunk by its row id, or ErrNotFound.
func (ix *Index) chunkByID(id int64) (*chunkRow, error) {
	row := ix.db.QueryRow(`SELECT `+chunkColumns+` FROM chunk WHERE id = ?`, id)
	return scanChunkRow(row)
}

// allChunks returns every chunk in append order (spec §4.H get_chunks).
func (ix *Index) allChunks() ([]chunkRow, error) {
	rows, err := ix.db.Query(`SELECT ` + chunkColumns + ` FROM chunk ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("backup: query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chunkRow
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
