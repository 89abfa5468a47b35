package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Reindex rebuilds the index from scratch by replaying the entire log,
// member by member (spec §4.G). It is invoked by ModeReindex opens; it is
// also exposed directly so operator tooling can force a rebuild on an
// already-open backup without going through Close/reopen.
//
// A member that is well-formed but truncated mid-stream (crash partway
// through a write) is tolerated unconditionally: its chunk row is dropped
// and replay stops there (spec §8 scenario "partial trailing member").
// Bytes that do not even decode as a member at all are only tolerated once
// at least one real chunk has already been replayed — trailing garbage
// after a clean close is dropped the same way (spec §8 scenario "corrupt
// trailing bytes"), but the same failure on the very first member means the
// log holds nothing recoverable, which remains fatal. Timestamp regressions
// are a different kind of fault — the bytes decode fine, they are just
// inconsistent with what came before — and always remain fatal.
func (b *Backup) Reindex() error {
	if _, err := b.logFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("backup: seek log start: %w", err)
	}
	info, err := b.logFile.Stat()
	if err != nil {
		return fmt.Errorf("backup: stat log: %w", err)
	}
	totalSize := info.Size()

	reader := newChunkReader(b.logFile)
	var offset int64
	var lastTS int64
	first := true

	for offset < totalSize {
		fileSHA1, err := hashFilePrefix(b.logFile, offset)
		if err != nil {
			return fmt.Errorf("backup: hash log prefix: %w", err)
		}
		if err := reader.MemberStart(offset); err != nil {
			var corrupt *CorruptLogError
			if !first && errors.As(err, &corrupt) {
				break
			}
			return err
		}
		br := bufio.NewReader(reader)

		headerLine, err := br.ReadString('\n')
		if err != nil {
			if !first || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return &CorruptLogError{Offset: offset, Reason: "missing chunk start header", err: err}
		}
		chunkTS, err := parseChunkHeader(headerLine)
		if err != nil {
			if !first {
				break
			}
			return err
		}
		if !first && chunkTS < lastTS {
			return fmt.Errorf("%w: chunk at offset %d starts at %d, before %d", ErrDataOrder, offset, chunkTS, lastTS)
		}

		sess, err := b.startAppendSessionAt(chunkTS, offset, fileSHA1, AppendOptions{IndexOnly: true})
		if err != nil {
			return err
		}
		lineTS := chunkTS
		truncated := false

		for {
			line, err := br.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					if line != "" {
						truncated = true
					}
					break
				}
				if errors.Is(err, io.ErrUnexpectedEOF) {
					truncated = true
					break
				}
				_ = sess.abortLocked()
				return fmt.Errorf("backup: read command line: %w", err)
			}

			ts, dlist, err := parseApplyLine(line)
			if err != nil {
				truncated = true
				break
			}
			if ts < lineTS {
				_ = sess.abortLocked()
				return fmt.Errorf("%w: command at offset %d timestamp %d precedes %d", ErrDataOrder, offset, ts, lineTS)
			}
			lineTS = ts

			cmd, err := ParseCommand(dlist)
			if err != nil {
				truncated = true
				break
			}
			if err := sess.ingestLine([]byte(line), cmd, ts); err != nil {
				_ = sess.abortLocked()
				return err
			}
		}

		if truncated {
			_ = sess.abortLocked()
			break
		}

		rawSize, err := reader.MemberEnd()
		if err != nil {
			_ = sess.abortLocked()
			break
		}
		dataSHA1 := sess.sha.Sum()
		if err := sess.tx.finalizeChunk(sess.chunkID, sess.wroteBytes, dataSHA1); err != nil {
			_ = sess.tx.rollback()
			return err
		}
		if err := sess.tx.commit(); err != nil {
			return err
		}
		sess.active = false

		lastTS = lineTS
		offset += rawSize
		first = false
	}

	if _, err := b.logFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("backup: seek log end: %w", err)
	}
	return nil
}
