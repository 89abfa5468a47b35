package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// openPaths implements the shared core behind Open/OpenExisting/OpenPaths
// (spec §4.F): acquire the exclusive log lock, then either validate the
// existing index (ModeNormal) or rebuild it from scratch (ModeReindex).
func openPaths(cfg Config, logPath, idxPath string, mode OpenMode) (*Backup, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("backup: open log: %w", err)
	}
	if err := lockLog(int(logFile.Fd())); err != nil {
		_ = logFile.Close()
		return nil, err
	}

	b := &Backup{
		logPath: logPath,
		idxPath: idxPath,
		logFile: logFile,
		config:  cfg,
	}

	if mode == ModeReindex {
		if err := b.reindexOpen(); err != nil {
			if b.index != nil {
				_ = b.index.Close()
			}
			if b.oldIndexPath != "" {
				_ = os.Rename(b.oldIndexPath, b.idxPath)
			}
			_ = unlockLog(int(logFile.Fd()))
			_ = logFile.Close()
			return nil, err
		}
		return b, nil
	}

	index, err := openIndex(idxPath)
	if err != nil {
		_ = unlockLog(int(logFile.Fd()))
		_ = logFile.Close()
		return nil, err
	}
	b.index = index

	if err := b.validateTail(); err != nil {
		_ = index.Close()
		_ = unlockLog(int(logFile.Fd()))
		_ = logFile.Close()
		return nil, err
	}
	return b, nil
}

// validateTail is the NORMAL-mode consistency check of spec §4.F: if the
// log holds any bytes, the index must have at least one chunk and that
// chunk's append session must have reached AppendEnd, and the checksums it
// recorded must match what is actually on disk.
func (b *Backup) validateTail() error {
	info, err := b.logFile.Stat()
	if err != nil {
		return fmt.Errorf("backup: stat log: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	chunk, err := b.index.latestChunk()
	if errors.Is(err, ErrNotFound) {
		return ErrReindexRequired
	}
	if err != nil {
		return err
	}
	if !chunk.Length.Valid || !chunk.DataSHA1.Valid {
		// The latest chunk row has no length/data_sha1 (never filled in
		// by finalizeChunk), so there is nothing to check the log against.
		return ErrReindexRequired
	}

	gotFileSHA1, err := hashFilePrefix(b.logFile, chunk.Offset)
	if err != nil {
		return fmt.Errorf("backup: hash log prefix: %w", err)
	}
	if gotFileSHA1 != chunk.FileSHA1 {
		return &ChecksumMismatchError{ChunkID: chunk.ID, Field: "file_sha1", Expected: chunk.FileSHA1, Actual: gotFileSHA1}
	}

	reader := newChunkReader(b.logFile)
	if err := reader.MemberStart(chunk.Offset); err != nil {
		return err
	}
	digest := newSHAReader(reader)
	if _, err := io.Copy(io.Discard, digest); err != nil {
		return fmt.Errorf("backup: decode tail chunk: %w", err)
	}
	rawSize, err := reader.MemberEnd()
	if err != nil {
		return err
	}
	if digest.Count() != chunk.Length.Int64 {
		return &ChecksumMismatchError{
			ChunkID:  chunk.ID,
			Field:    "length",
			Expected: fmt.Sprintf("%d", chunk.Length.Int64),
			Actual:   fmt.Sprintf("%d", digest.Count()),
		}
	}
	if digest.Sum() != chunk.DataSHA1.String {
		return &ChecksumMismatchError{ChunkID: chunk.ID, Field: "data_sha1", Expected: chunk.DataSHA1.String, Actual: digest.Sum()}
	}

	// The indexed chunk must be the last thing in the log: any bytes past
	// its raw extent are an orphan member left by a crash between a log
	// write and its index commit, or trailing garbage, and make the store
	// unusable until reindex runs, same as a hash mismatch (spec §8
	// scenarios 3 and 4).
	if trailing := info.Size() - (chunk.Offset + rawSize); trailing != 0 {
		return &ChecksumMismatchError{
			ChunkID:  chunk.ID,
			Field:    "trailing bytes",
			Expected: "0",
			Actual:   fmt.Sprintf("%d", trailing),
		}
	}

	if _, err := b.logFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("backup: seek log end: %w", err)
	}
	return nil
}

// reindexOpen implements ModeReindex (spec §4.F, §4.G): any existing index
// is moved aside before a fresh one is built, so a crash mid-reindex leaves
// the prior index recoverable rather than a half-rebuilt one in its place.
func (b *Backup) reindexOpen() error {
	if _, err := os.Stat(b.idxPath); err == nil {
		oldPath := b.idxPath + ".old"
		if err := os.Rename(b.idxPath, oldPath); err != nil {
			return fmt.Errorf("backup: move aside existing index: %w", err)
		}
		b.oldIndexPath = oldPath
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("backup: stat existing index: %w", err)
	}

	index, err := openIndex(b.idxPath)
	if err != nil {
		return err
	}
	b.index = index

	if err := b.Reindex(); err != nil {
		return err
	}

	if b.oldIndexPath != "" {
		_ = os.Remove(b.oldIndexPath)
		b.oldIndexPath = ""
	}
	return nil
}
