package backup

import (
	"crypto/sha1" //nolint:gosec // bucketing only, not a security boundary
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// directorySchemaVersion is bumped whenever the directory table's shape
// changes; openDirectory runs migrations up to this version inside the same
// transaction it opens, mirroring the index store's own versioning (§4.D).
const directorySchemaVersion = 1

// Directory is the cross-user key/value store mapping userid to log path
// (spec §4.C, §6). It is a single sqlite database shared by every user's
// backup, separate from each user's own per-backup index database.
type Directory struct {
	db   *sql.DB
	path string
}

// openDirectory opens or creates the directory database at path, running
// migrations as needed.
func openDirectory(path string) (*Directory, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, newSchemaError("open directory", err)
	}
	if err := migrateDirectorySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Directory{db: db, path: path}, nil
}

func migrateDirectorySchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return newSchemaError("begin directory migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return newSchemaError("create directory schema_version", err)
	}
	var version int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = 0
	} else if err != nil {
		return newSchemaError("read directory schema_version", err)
	}

	if version < 1 {
		if _, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS directory (
				userid   TEXT PRIMARY KEY,
				log_path TEXT NOT NULL UNIQUE
			)`); err != nil {
			return newSchemaError("create directory table", err)
		}
	}

	if version == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, directorySchemaVersion); err != nil {
			return newSchemaError("seed directory schema_version", err)
		}
	} else if version != directorySchemaVersion {
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, directorySchemaVersion); err != nil {
			return newSchemaError("update directory schema_version", err)
		}
	}
	return tx.Commit()
}

func (d *Directory) Close() error {
	return d.db.Close()
}

// lookup returns the log path registered for userid, or ErrNotFound.
func (d *Directory) lookup(userid string) (string, error) {
	var logPath string
	err := d.db.QueryRow(`SELECT log_path FROM directory WHERE userid = ?`, userid).Scan(&logPath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("backup: directory lookup: %w", err)
	}
	return logPath, nil
}

// bucket computes the single-level hashed directory component of a user's
// path, spreading users across subdirectories so no single directory holds
// an unbounded number of entries.
func bucket(userid string) string {
	h := sha1.Sum([]byte(userid)) //nolint:gosec
	return hex.EncodeToString(h[:])[:1]
}

// resolve returns (log_path, index_path) for userid, allocating and
// registering a fresh, uniquely-named log file if this is the first time the
// user has been seen (spec §4.C, §3 Lifecycle).
//
// The file is created atomically via O_EXCL before the directory insert runs,
// so two concurrent resolvers can never race onto the same path; if the
// directory insert then fails, the orphaned file is unlinked.
func (d *Directory) resolve(root, userid string) (logPath, indexPath string, err error) {
	logPath, err = d.lookup(userid)
	if err == nil {
		return logPath, logPath + ".index", nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", "", err
	}

	dir := filepath.Join(root, bucket(userid))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("backup: create user directory: %w", err)
	}

	logPath, err = createUniqueFile(dir, userid)
	if err != nil {
		return "", "", err
	}

	if err := d.insert(userid, logPath); err != nil {
		_ = os.Remove(logPath)
		return "", "", err
	}
	return logPath, logPath + ".index", nil
}

// createUniqueFile creates <dir>/<userid>_<random suffix> with O_EXCL,
// retrying on collision, guaranteeing name uniqueness without a rename race
// (spec §4.C).
func createUniqueFile(dir, userid string) (string, error) {
	//nolint:gosec // bucket naming uniqueness, not a security token
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 0; attempt < 100; attempt++ {
		suffix := rnd.Uint32()
		path := filepath.Join(dir, fmt.Sprintf("%s_%08x", userid, suffix))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			_ = f.Close()
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("backup: create unique log file: %w", err)
		}
	}
	return "", errors.New("backup: could not allocate a unique log file name")
}

// insert registers userid -> logPath inside a transaction; sqlite's UNIQUE
// constraint on log_path and the PRIMARY KEY on userid make a double
// registration fail loudly rather than silently overwrite.
func (d *Directory) insert(userid, logPath string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("backup: begin directory insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO directory (userid, log_path) VALUES (?, ?)`, userid, logPath); err != nil {
		return fmt.Errorf("backup: insert directory entry: %w", err)
	}
	return tx.Commit()
}
