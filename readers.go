package backup

import (
	"database/sql"
	"fmt"
	"io"
)

// ChunkInfo is the read-only projection of a chunk row exposed to callers
// (spec §4.H get_chunks / get_latest_chunk).
type ChunkInfo struct {
	ID       int64
	TSStart  int64
	TSEnd    int64
	Offset   int64
	Length   int64
	FileSHA1 string
	DataSHA1 string
}

func chunkInfoFromRow(c chunkRow) ChunkInfo {
	return ChunkInfo{
		ID:       c.ID,
		TSStart:  c.TSStart,
		TSEnd:    c.TSEnd,
		Offset:   c.Offset,
		Length:   c.Length.Int64,
		FileSHA1: c.FileSHA1,
		DataSHA1: c.DataSHA1.String,
	}
}

// ChunkIterator is a lazy, typed cursor over the chunk table, preferred by
// spec §9 Design Notes over a callback-per-row API. Its shape (Next/Close,
// a typed accessor, a deferred Err) follows the teacher's own iterator
// types over indexed MCAP records, generalized from binary message records
// to chunk rows.
type ChunkIterator struct {
	rows *sql.Rows
	cur  ChunkInfo
	err  error
}

// GetChunks returns every chunk in append order (spec §4.H get_chunks).
func (b *Backup) GetChunks() (*ChunkIterator, error) {
	rows, err := b.index.db.Query(`SELECT ` + chunkColumns + ` FROM chunk ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("backup: query chunks: %w", err)
	}
	return &ChunkIterator{rows: rows}, nil
}

func (it *ChunkIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	c, err := scanChunkRow(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = chunkInfoFromRow(*c)
	return true
}

func (it *ChunkIterator) Chunk() ChunkInfo { return it.cur }

func (it *ChunkIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *ChunkIterator) Close() error { return it.rows.Close() }

// GetLatestChunk returns the most recently started chunk (spec §4.H
// get_latest_chunk), or ErrNotFound if the backup holds none yet.
func (b *Backup) GetLatestChunk() (ChunkInfo, error) {
	c, err := b.index.latestChunk()
	if err != nil {
		return ChunkInfo{}, err
	}
	return chunkInfoFromRow(*c), nil
}

// MessageRecord is the read-only projection of a message row (spec §3
// Message entity, §4.H get_message).
type MessageRecord struct {
	ID        int64
	GUID      string
	Partition string
	ChunkID   int64
	Offset    int64
	Length    int64
}

// GetMessage resolves one message by guid (spec §4.H get_message), or
// ErrNotFound.
func (b *Backup) GetMessage(guid string) (MessageRecord, error) {
	var m MessageRecord
	err := b.index.db.QueryRow(
		`SELECT id, guid, partition, chunk_id, offset, length FROM message WHERE guid = ?`, guid,
	).Scan(&m.ID, &m.GUID, &m.Partition, &m.ChunkID, &m.Offset, &m.Length)
	if err == sql.ErrNoRows {
		return MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return MessageRecord{}, fmt.Errorf("backup: get message: %w", err)
	}
	return m, nil
}

// MessageIterator is a lazy cursor over every message in the index (spec
// §4.H message_foreach).
type MessageIterator struct {
	rows *sql.Rows
	cur  MessageRecord
	err  error
}

// MessageForeach returns an iterator over every message row, ordered by
// chunk then offset, the order in which their payloads were appended. When
// chunkID is non-nil, only messages belonging to that chunk are returned
// (spec §4.H message_foreach's optional chunk_id filter).
func (b *Backup) MessageForeach(chunkID *int64) (*MessageIterator, error) {
	query := `SELECT id, guid, partition, chunk_id, offset, length FROM message`
	args := []any{}
	if chunkID != nil {
		query += ` WHERE chunk_id = ?`
		args = append(args, *chunkID)
	}
	query += ` ORDER BY chunk_id ASC, offset ASC`

	rows, err := b.index.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("backup: query messages: %w", err)
	}
	return &MessageIterator{rows: rows}, nil
}

func (it *MessageIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var m MessageRecord
	if err := it.rows.Scan(&m.ID, &m.GUID, &m.Partition, &m.ChunkID, &m.Offset, &m.Length); err != nil {
		it.err = fmt.Errorf("backup: scan message row: %w", err)
		return false
	}
	it.cur = m
	return true
}

func (it *MessageIterator) Message() MessageRecord { return it.cur }

func (it *MessageIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *MessageIterator) Close() error { return it.rows.Close() }

// MailboxInfo pairs a mailbox's own row id and last_chunk_id with its
// replicated record. last_chunk_id is index-internal bookkeeping, not a
// field of the replication protocol, so it travels alongside MailboxRecord
// rather than inside it (spec §3 Mailbox entity, §4.H mailbox_foreach's
// chunk_id filter).
type MailboxInfo struct {
	ID          int64
	LastChunkID int64
	Record      MailboxRecord
}

const mailboxColumns = `id, last_chunk_id, uniqueid, mboxname, acl, options, highestmodseq,
		sync_crc, sync_crc_annot, quotaroot, annotations, deleted`

func scanMailboxInfo(row interface{ Scan(dest ...any) error }) (MailboxInfo, error) {
	var info MailboxInfo
	err := row.Scan(
		&info.ID, &info.LastChunkID, &info.Record.UniqueID, &info.Record.MboxName,
		&info.Record.ACL, &info.Record.Options, &info.Record.HighestModSeq,
		&info.Record.SyncCRC, &info.Record.SyncCRCAnnot, &info.Record.QuotaRoot,
		&info.Record.Annotations, &info.Record.Deleted,
	)
	if err == sql.ErrNoRows {
		return MailboxInfo{}, ErrNotFound
	}
	if err != nil {
		return MailboxInfo{}, fmt.Errorf("backup: scan mailbox row: %w", err)
	}
	return info, nil
}

// GetMailboxByName resolves a mailbox by its current mboxname (spec §4.H
// get_mailbox_by_name), or ErrNotFound.
func (b *Backup) GetMailboxByName(mboxname string) (MailboxInfo, error) {
	return b.scanMailboxWhere(`mboxname = ?`, mboxname)
}

// GetMailboxByUniqueID resolves a mailbox by its stable uniqueid, or
// ErrNotFound.
func (b *Backup) GetMailboxByUniqueID(uniqueid string) (MailboxInfo, error) {
	return b.scanMailboxWhere(`uniqueid = ?`, uniqueid)
}

func (b *Backup) scanMailboxWhere(pred string, arg string) (MailboxInfo, error) {
	row := b.index.db.QueryRow(`SELECT `+mailboxColumns+` FROM mailbox WHERE `+pred, arg)
	return scanMailboxInfo(row)
}

// MailboxIterator is a lazy cursor over mailbox rows (spec §4.H
// mailbox_foreach).
type MailboxIterator struct {
	rows *sql.Rows
	cur  MailboxInfo
	err  error
}

// MailboxForeach returns an iterator over mailboxes, including ones marked
// deleted; callers that want only live mailboxes check Mailbox().Record.Deleted.
// When chunkID is non-nil, only mailboxes whose last_chunk_id equals it are
// returned (spec §4.H mailbox_foreach's optional chunk_id filter).
func (b *Backup) MailboxForeach(chunkID *int64) (*MailboxIterator, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailbox`
	args := []any{}
	if chunkID != nil {
		query += ` WHERE last_chunk_id = ?`
		args = append(args, *chunkID)
	}
	query += ` ORDER BY mboxname ASC`

	rows, err := b.index.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("backup: query mailboxes: %w", err)
	}
	return &MailboxIterator{rows: rows}, nil
}

func (it *MailboxIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	info, err := scanMailboxInfo(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = info
	return true
}

func (it *MailboxIterator) Mailbox() MailboxInfo { return it.cur }

func (it *MailboxIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *MailboxIterator) Close() error { return it.rows.Close() }

// MailboxMessageIterator is a lazy cursor over one mailbox's messages (spec
// §4.H message_foreach, scoped form).
type MailboxMessageIterator struct {
	rows *sql.Rows
	cur  MailboxMessageRecord
	err  error
}

// MailboxMessagesForeach returns an iterator, ordered by uid, over every
// mailbox_message row belonging to the mailbox named uniqueid. includeExpunged
// controls whether rows already marked expunged are included.
func (b *Backup) MailboxMessagesForeach(uniqueid string, includeExpunged bool) (*MailboxMessageIterator, error) {
	info, err := b.GetMailboxByUniqueID(uniqueid)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT uid, modseq, flags, internaldate, guid, size, annotations
		FROM mailbox_message WHERE mailbox_id = ?`
	if !includeExpunged {
		query += ` AND expunged = 0`
	}
	query += ` ORDER BY uid ASC`

	rows, err := b.index.db.Query(query, info.ID)
	if err != nil {
		return nil, fmt.Errorf("backup: query mailbox_message: %w", err)
	}
	return &MailboxMessageIterator{rows: rows}, nil
}

func (it *MailboxMessageIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var rec MailboxMessageRecord
	err := it.rows.Scan(&rec.UID, &rec.ModSeq, &rec.Flags, &rec.InternalDate, &rec.GUID, &rec.Size, &rec.Annotations)
	if err != nil {
		it.err = fmt.Errorf("backup: scan mailbox_message row: %w", err)
		return false
	}
	it.cur = rec
	return true
}

func (it *MailboxMessageIterator) Record() MailboxMessageRecord { return it.cur }

func (it *MailboxMessageIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *MailboxMessageIterator) Close() error { return it.rows.Close() }

// ReconstructMailboxApply rebuilds the dlist a MAILBOX APPLY command would
// carry if issued right now for uniqueid, folding in its current (non
// expunged) mailbox_message rows. This is the round-trip law of spec §8:
// encoding a projection taken from the index must reproduce a command
// equivalent, field for field, to the one that produced that projection.
func (b *Backup) ReconstructMailboxApply(uniqueid string) (Dlist, error) {
	info, err := b.GetMailboxByUniqueID(uniqueid)
	if err != nil {
		return Dlist{}, err
	}
	rec := info.Record
	it, err := b.MailboxMessagesForeach(uniqueid, false)
	if err != nil {
		return Dlist{}, err
	}
	defer func() { _ = it.Close() }()

	var records []MailboxMessageRecord
	for it.Next() {
		records = append(records, it.Record())
	}
	if err := it.Err(); err != nil {
		return Dlist{}, err
	}

	return EncodeCommand(Command{Verb: VerbMailbox, Mailbox: &rec, MailboxMessages: records})
}

// FetchMessagePayload decodes the APPLY line a message's guid was recorded
// against, re-parses it, and returns the message bytes it carried for that
// guid (spec §4.H, message payload retrieval for restore tooling).
func (b *Backup) FetchMessagePayload(guid string) ([]byte, error) {
	msg, err := b.GetMessage(guid)
	if err != nil {
		return nil, err
	}
	chunk, err := b.index.chunkByID(msg.ChunkID)
	if err != nil {
		return nil, err
	}

	reader := newChunkReader(b.logFile)
	if err := reader.MemberStart(chunk.Offset); err != nil {
		return nil, err
	}
	defer func() { _, _ = reader.MemberEnd() }()

	buf := make([]byte, msg.Offset+msg.Length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("backup: read message span: %w", err)
	}

	_, dlist, err := parseApplyLine(string(buf[msg.Offset:]))
	if err != nil {
		return nil, err
	}
	cmd, err := ParseCommand(dlist)
	if err != nil {
		return nil, err
	}
	for _, m := range cmd.Messages {
		if m.GUID == guid {
			return m.Data, nil
		}
	}
	return nil, ErrNotFound
}
