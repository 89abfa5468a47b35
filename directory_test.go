package backup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDirectory(t *testing.T) (*Directory, string) {
	t.Helper()
	root := t.TempDir()
	dir, err := openDirectory(filepath.Join(root, "backups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	return dir, root
}

func TestDirectoryResolve_FirstTimeAllocatesAndRegisters(t *testing.T) {
	dir, root := openTestDirectory(t)

	logPath, idxPath, err := dir.resolve(root, "alice@example.com")
	require.NoError(t, err)
	assert.FileExists(t, logPath)
	assert.Equal(t, logPath+".index", idxPath)
	assert.Equal(t, root, filepath.Dir(filepath.Dir(logPath)))

	got, err := dir.lookup("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, logPath, got)
}

func TestDirectoryResolve_SecondCallReturnsSamePath(t *testing.T) {
	dir, root := openTestDirectory(t)

	logPath1, _, err := dir.resolve(root, "bob@example.com")
	require.NoError(t, err)
	logPath2, _, err := dir.resolve(root, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, logPath1, logPath2)
}

func TestDirectoryLookup_Unknown(t *testing.T) {
	dir, _ := openTestDirectory(t)
	_, err := dir.lookup("nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryBucket_SingleHexChar(t *testing.T) {
	b := bucket("someone@example.com")
	assert.Len(t, b, 1)
}

func TestCreateUniqueFile_SecondCallGetsDistinctPath(t *testing.T) {
	dir := t.TempDir()
	first, err := createUniqueFile(dir, "carol@example.com")
	require.NoError(t, err)
	assert.FileExists(t, first)

	second, err := createUniqueFile(dir, "carol@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.FileExists(t, second)
}

func TestDirectoryInsert_DuplicateUseridRejected(t *testing.T) {
	dir, _ := openTestDirectory(t)

	require.NoError(t, dir.insert("dave@example.com", "/tmp/a"))
	err := dir.insert("dave@example.com", "/tmp/b")
	assert.Error(t, err, "userid is the directory table's primary key")
}

func TestDirectoryInsert_DuplicateLogPathRejected(t *testing.T) {
	dir, root := openTestDirectory(t)

	existingLog, _, err := dir.resolve(root, "erin@example.com")
	require.NoError(t, err)

	err = dir.insert("frank@example.com", existingLog)
	assert.Error(t, err, "log_path is UNIQUE in the directory table")
}
