package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config carries the two knobs spec §6 enumerates. It is passed by value at
// construction time rather than read from a process-wide singleton (spec §9
// Design Notes, "Global mutable state").
type Config struct {
	// BackupDataPath is the root directory under which per-user log files
	// are allocated.
	BackupDataPath string
	// BackupsDBPath is the directory file's location. If empty, it
	// defaults to "<BackupDataPath>/backups.db".
	BackupsDBPath string
	// CompressionLevel selects the gzip level new chunks are written
	// with. Zero value is CompressionDefault.
	CompressionLevel CompressionLevel
}

// level returns the configured compression level, defaulting to
// CompressionDefault for the zero value so callers that never set
// CompressionLevel get gzip's default tuning rather than NoCompression.
func (c Config) level() CompressionLevel {
	if c.CompressionLevel == 0 {
		return CompressionDefault
	}
	return c.CompressionLevel
}

func (c Config) directoryPath() string {
	if c.BackupsDBPath != "" {
		return c.BackupsDBPath
	}
	return filepath.Join(c.BackupDataPath, "backups.db")
}

// OpenMode selects between the two open paths of spec §4.F.
type OpenMode int

const (
	// ModeNormal opens an existing store (or creates a fresh, empty one)
	// and validates the latest chunk's checksums.
	ModeNormal OpenMode = iota
	// ModeReindex discards any existing index (renaming it aside as
	// "<index_path>.old") and rebuilds it from the log via Reindex.
	ModeReindex
)

// Backup is the exclusive handle on one user's log + index pair (spec §5):
// it owns the log file descriptor, the index handle, and the in-flight
// append session, if any. It borrows nothing and is not safe for concurrent
// use from multiple goroutines, matching the single conceptual
// reader/writer role of spec §5.
type Backup struct {
	userid  string
	logPath string
	idxPath string

	logFile *os.File
	index   *Index
	dir     *Directory // nil when opened via OpenPaths without a directory

	config Config
	append *AppendSession

	oldIndexPath string // set during ModeReindex, pending deletion/restoration on Close
	closed       bool
}

// Open resolves userid to its log/index paths (allocating them on first
// use), and opens the store in ModeNormal.
func Open(cfg Config, userid string) (*Backup, error) {
	dir, err := openDirectory(cfg.directoryPath())
	if err != nil {
		return nil, err
	}
	logPath, idxPath, err := dir.resolve(cfg.BackupDataPath, userid)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	b, err := openPaths(cfg, logPath, idxPath, ModeNormal)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	b.userid = userid
	b.dir = dir
	return b, nil
}

// OpenExisting behaves like Open but never creates a new backup: if userid
// has no registered log path, it returns ErrUnknownUser. This mirrors the
// original implementation's BACKUP_OPEN_NOCREATE mode (SPEC_FULL.md),
// used by tooling that must not have create side effects.
func OpenExisting(cfg Config, userid string) (*Backup, error) {
	dir, err := openDirectory(cfg.directoryPath())
	if err != nil {
		return nil, err
	}
	logPath, err := dir.lookup(userid)
	if err != nil {
		_ = dir.Close()
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	b, err := openPaths(cfg, logPath, logPath+".index", ModeNormal)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	b.userid = userid
	b.dir = dir
	return b, nil
}

// OpenPaths opens a backup directly from explicit log/index paths, bypassing
// the directory lookup (spec §6 API surface). Used by reindex tooling that
// already knows which files it's working with.
func OpenPaths(cfg Config, logPath, idxPath string, mode OpenMode) (*Backup, error) {
	return openPaths(cfg, logPath, idxPath, mode)
}

// Close releases the lock and closes the index and log (spec §5). Close is
// idempotent.
func (b *Backup) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b.append != nil && b.append.active {
		record(b.append.Abort())
	}
	if b.index != nil {
		record(b.index.Close())
	}
	if b.oldIndexPath != "" {
		// Reindex succeeded (it clears oldIndexPath on success); if we got
		// here with it still set, reindex never ran to completion, so
		// restore the prior index rather than leaving the backup
		// indexless.
		record(os.Rename(b.oldIndexPath, b.idxPath))
	}
	if b.logFile != nil {
		record(unlockLog(int(b.logFile.Fd())))
		record(b.logFile.Close())
	}
	if b.dir != nil {
		record(b.dir.Close())
	}
	return firstErr
}

// GetPaths returns the (log_path, index_path) pair registered for userid,
// without opening the backup (spec §6 API surface).
func GetPaths(cfg Config, userid string) (logPath, idxPath string, err error) {
	dir, err := openDirectory(cfg.directoryPath())
	if err != nil {
		return "", "", err
	}
	defer func() { _ = dir.Close() }()
	logPath, err = dir.lookup(userid)
	if err != nil {
		return "", "", err
	}
	return logPath, logPath + ".index", nil
}

func dupFD(f *os.File) (*os.File, error) {
	fd, err := dupUnix(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("backup: dup log fd: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}
