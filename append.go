package backup

import (
	"errors"
	"fmt"
	"io"
)

// maxSingleWrite bounds any one Write call into the codec layer, matching
// the signed 32-bit length the gzip member format (and this backup's
// spiritual ancestor) assumes per write (spec §9).
const maxSingleWrite = 1<<31 - 1

// AppendOptions selects the two independent knobs spec §4.E names alongside
// the append session's ordinary lifecycle.
type AppendOptions struct {
	// IndexOnly skips writing to the log entirely: only the SHA-1 context
	// and the index are updated. Reindex uses this to replay a chunk that
	// is already on disk without duplicating its bytes.
	IndexOnly bool
	// NoFlush skips the full-flush gzip boundary normally emitted after
	// every command, trading crash-durability of in-flight appends for
	// throughput.
	NoFlush bool
}

// AppendSession is the single in-flight append transaction a Backup may
// hold at a time (spec §4.E). Its lifecycle is start, zero or more append
// calls, then exactly one of end or abort.
type AppendSession struct {
	backup *Backup
	tx     *indexTx

	chunkID     int64
	startOffset int64
	wroteBytes  int64

	sha    *shaWriter
	writer *memberWriter

	opts   AppendOptions
	active bool
}

// AppendStart begins a new chunk at the current end of the log (spec §4.E
// step 1). Only one append session may be open on a Backup at a time.
func (b *Backup) AppendStart(ts int64) error {
	_, err := b.appendStart(ts, AppendOptions{})
	return err
}

// AppendStartOptions is AppendStart with explicit IndexOnly/NoFlush
// behavior. (Reindex does not go through it; it starts its IndexOnly
// sessions with startAppendSessionAt at each member's own offset.)
func (b *Backup) AppendStartOptions(ts int64, opts AppendOptions) error {
	_, err := b.appendStart(ts, opts)
	return err
}

func (b *Backup) appendStart(ts int64, opts AppendOptions) (*AppendSession, error) {
	if b.append != nil {
		return nil, fmt.Errorf("%w: append_start with a session already open", ErrInvalidState)
	}

	offset, err := b.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("backup: seek log end: %w", err)
	}
	fileSHA1, err := hashFilePrefix(b.logFile, sha1LimitWholeFile)
	if err != nil {
		return nil, fmt.Errorf("backup: hash log prefix: %w", err)
	}

	sess, err := b.startAppendSessionAt(ts, offset, fileSHA1, opts)
	if err != nil {
		return nil, err
	}
	b.append = sess
	return sess, nil
}

// startAppendSessionAt is the shared core of append_start used both by live
// appends (offset is the log's current size) and by reindex (offset and
// fileSHA1 are whatever the replay loop has already computed for the chunk
// being re-derived).
func (b *Backup) startAppendSessionAt(ts, offset int64, fileSHA1 string, opts AppendOptions) (*AppendSession, error) {
	tx, err := b.index.begin()
	if err != nil {
		return nil, err
	}

	chunkID, err := tx.insertChunkStart(ts, offset, fileSHA1)
	if err != nil {
		_ = tx.rollback()
		return nil, err
	}

	sess := &AppendSession{
		backup:      b,
		tx:          tx,
		chunkID:     chunkID,
		startOffset: offset,
		opts:        opts,
		active:      true,
	}

	if !opts.IndexOnly {
		dup, err := dupFD(b.logFile)
		if err != nil {
			_ = tx.rollback()
			return nil, err
		}
		if _, err := dup.Seek(offset, io.SeekStart); err != nil {
			_ = dup.Close()
			_ = tx.rollback()
			return nil, fmt.Errorf("backup: seek log member start: %w", err)
		}
		mw, err := newMemberWriter(dup, b.config.level())
		if err != nil {
			_ = tx.rollback()
			return nil, err
		}
		sess.writer = mw
		sess.sha = newSHAWriter(mw)
	} else {
		sess.sha = newSHAWriter(discardWriter{})
	}

	if err := sess.writeRaw([]byte(formatChunkHeader(ts))); err != nil {
		_ = sess.abortLocked()
		return nil, err
	}
	if err := sess.maybeFlush(); err != nil {
		_ = sess.abortLocked()
		return nil, err
	}
	return sess, nil
}

// discardWriter is an io.Writer sink used when an append session is
// IndexOnly: bytes still pass through the SHA-1 context (so data_sha1 comes
// out identical to a real append of the same chunk) but never touch disk.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Append records one APPLY command: it is written to the log (unless the
// session is IndexOnly) and projected onto the index (spec §4.E step 2).
func (b *Backup) Append(ts int64, dlist Dlist) error {
	if b.append == nil || !b.append.active {
		return fmt.Errorf("%w: append without append_start", ErrInvalidState)
	}
	cmd, err := ParseCommand(dlist)
	if err != nil {
		return fmt.Errorf("backup: parse APPLY command: %w", err)
	}
	return b.append.ingestLine([]byte(formatApplyLine(ts, dlist)), cmd, ts)
}

// AppendEnd finalizes the current chunk: the member is flushed and closed,
// data_sha1 is derived from the accumulated SHA-1 context, the chunk row is
// completed, and the backup_index transaction commits (spec §4.E step 3).
func (b *Backup) AppendEnd() error {
	if b.append == nil || !b.append.active {
		return fmt.Errorf("%w: append_end without append_start", ErrInvalidState)
	}
	sess := b.append
	if sess.writer != nil {
		if err := sess.writer.Flush(); err != nil {
			return fmt.Errorf("backup: final flush: %w", err)
		}
		if err := sess.writer.Close(); err != nil {
			return fmt.Errorf("backup: close chunk member: %w", err)
		}
	}
	dataSHA1 := sess.sha.Sum()
	if err := sess.tx.finalizeChunk(sess.chunkID, sess.wroteBytes, dataSHA1); err != nil {
		_ = sess.tx.rollback()
		b.append = nil
		return err
	}
	if err := sess.tx.commit(); err != nil {
		b.append = nil
		return err
	}
	sess.active = false
	b.append = nil
	return nil
}

// AppendAbort discards the current chunk (spec §4.E "abort"): the index
// transaction rolls back and, best-effort, the log is truncated back to the
// session's starting offset so a half-written member does not linger for a
// future reindex to trip over. Abort never returns ErrReindexRequired-class
// failures; the backup remains usable afterward.
func (b *Backup) AppendAbort() error {
	if b.append == nil || !b.append.active {
		return fmt.Errorf("%w: append_abort without append_start", ErrInvalidState)
	}
	return b.append.Abort()
}

// Abort is the AppendSession-scoped half of AppendAbort, reused by Close
// when a Backup is released with an append session still open.
func (s *AppendSession) Abort() error {
	err := s.abortLocked()
	s.backup.append = nil
	return err
}

func (s *AppendSession) abortLocked() error {
	var firstErr error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
		// Best-effort: a failed truncate is not reported, since the rolled
		// back index no longer refers to these bytes.
		_ = s.backup.logFile.Truncate(s.startOffset)
	}
	if err := s.tx.rollback(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.active = false
	return firstErr
}

// writeRaw feeds data through the session's SHA-1 context and, unless the
// session is IndexOnly, the log member, advancing wroteBytes by however much
// was actually written. Writes are chunked to maxSingleWrite so a very large
// single command cannot overflow any one underlying write call.
func (s *AppendSession) writeRaw(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxSingleWrite {
			n = maxSingleWrite
		}
		written, err := s.sha.Write(data[:n])
		s.wroteBytes += int64(written)
		if err != nil {
			return fmt.Errorf("backup: write chunk bytes: %w", err)
		}
		data = data[written:]
	}
	return nil
}

func (s *AppendSession) maybeFlush() error {
	if s.opts.NoFlush || s.writer == nil {
		return nil
	}
	return s.writer.Flush()
}

// ingestLine is the command-ingest path shared by live Append and by
// reindex's replay of an already-written chunk (spec §4.G step 3: "feed it
// through the same command-ingest path as 4.E step 2"). raw is the exact
// bytes to account for in the chunk's byte stream; cmd is their already
// parsed form, so reindex does not need to re-encode what it read back into
// an identical line before hashing it.
func (s *AppendSession) ingestLine(raw []byte, cmd Command, ts int64) error {
	if !s.active {
		return fmt.Errorf("%w: ingest on inactive append session", ErrInvalidState)
	}
	lineStart := s.wroteBytes
	if err := s.writeRaw(raw); err != nil {
		return err
	}
	lineLen := s.wroteBytes - lineStart

	if err := s.applyCommand(cmd, lineStart, lineLen); err != nil {
		return err
	}
	if err := s.tx.updateChunkTSEnd(s.chunkID, ts); err != nil {
		return err
	}
	return s.maybeFlush()
}

// applyCommand projects one parsed APPLY command onto the index (spec §4.E
// "Command semantics"). offset/length locate the command's raw bytes inside
// the chunk's decoded byte stream, which is how MESSAGE payloads record
// where their body lives.
func (s *AppendSession) applyCommand(cmd Command, offset, length int64) error {
	switch cmd.Verb {
	case VerbMessage:
		for _, m := range cmd.Messages {
			if _, err := s.tx.upsertMessage(m.GUID, m.Partition, s.chunkID, offset, length); err != nil {
				return err
			}
		}
		return nil

	case VerbMailbox:
		if cmd.Mailbox == nil {
			return errors.New("backup: MAILBOX command missing mailbox record")
		}
		mailboxID, err := s.tx.upsertMailbox(*cmd.Mailbox, s.chunkID)
		if err != nil {
			return err
		}
		for _, rec := range cmd.MailboxMessages {
			messageID, err := s.tx.messageIDByGUID(rec.GUID)
			if errors.Is(err, ErrNotFound) {
				// The message's MESSAGE command was never separately
				// replicated into this backup (e.g. it arrived in an
				// earlier backup run, or the source server elided a
				// re-send of unchanged content); record a zero-length
				// placeholder so the mailbox_message foreign key holds.
				messageID, err = s.tx.upsertMessage(rec.GUID, "", s.chunkID, 0, 0)
			}
			if err != nil {
				return err
			}
			if err := s.tx.upsertMailboxMessage(mailboxID, messageID, s.chunkID, rec); err != nil {
				return err
			}
		}
		return nil

	case VerbExpunge:
		if cmd.Expunge == nil {
			return errors.New("backup: EXPUNGE command missing expunge record")
		}
		mailboxID, err := s.tx.mailboxIDByUniqueID(cmd.Expunge.UniqueID)
		if err != nil {
			return err
		}
		for _, uid := range cmd.Expunge.UIDs {
			if err := s.tx.expungeMailboxMessage(mailboxID, uid, s.chunkID); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("backup: unhandled command verb %q", cmd.Verb)
	}
}
