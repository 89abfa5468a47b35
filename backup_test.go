package backup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{BackupDataPath: t.TempDir()}
}

func mailboxMessageDlist(t *testing.T, uniqueid, mboxname string, uid int64, guid string) Dlist {
	t.Helper()
	d, err := EncodeCommand(Command{
		Verb: VerbMailbox,
		Mailbox: &MailboxRecord{
			UniqueID: uniqueid,
			MboxName: mboxname,
		},
		MailboxMessages: []MailboxMessageRecord{
			{UID: uid, ModSeq: 1, Flags: "", InternalDate: 1700000000, GUID: guid, Size: 100},
		},
	})
	require.NoError(t, err)
	return d
}

func expungeDlist(t *testing.T, uniqueid string, uids ...int64) Dlist {
	t.Helper()
	d, err := EncodeCommand(Command{Verb: VerbExpunge, Expunge: &ExpungeRecord{UniqueID: uniqueid, UIDs: uids}})
	require.NoError(t, err)
	return d
}

// TestFreshUser matches spec §8 end-to-end scenario 1.
func TestFreshUser(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "alice@example.com")
	require.NoError(t, err)

	logPath, idxPath, err := GetPaths(cfg, "alice@example.com")
	require.NoError(t, err)
	assert.FileExists(t, logPath)
	assert.Len(t, filepath.Base(filepath.Dir(logPath)), 1, "users are bucketed under a single hex-char directory")
	assert.Equal(t, logPath+".index", idxPath)

	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.AppendEnd())

	chunk, err := b.GetLatestChunk()
	require.NoError(t, err)
	header := "# cyrus backup: chunk start 1700000000\r\n"
	assert.Equal(t, int64(0), chunk.Offset)
	assert.Equal(t, int64(len(header)), chunk.Length)
	assert.Equal(t, sha1HexEmpty, chunk.FileSHA1)

	wantDataSHA1 := func() string {
		sw := newSHAWriter(discardWriter{})
		_, _ = sw.Write([]byte(header))
		return sw.Sum()
	}()
	assert.Equal(t, wantDataSHA1, chunk.DataSHA1)

	require.NoError(t, b.Close())
}

// TestTwoChunks matches spec §8 end-to-end scenario 2.
func TestTwoChunks(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "bob@example.com")
	require.NoError(t, err)

	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.Append(1700000000, mailboxMessageDlist(t, "X", "INBOX", 5, "guid-5")))
	require.NoError(t, b.AppendEnd())

	require.NoError(t, b.AppendStart(1700000060))
	require.NoError(t, b.Append(1700000060, expungeDlist(t, "X", 5)))
	require.NoError(t, b.AppendEnd())

	chunks, err := b.GetChunks()
	require.NoError(t, err)
	var rows []ChunkInfo
	for chunks.Next() {
		rows = append(rows, chunks.Chunk())
	}
	require.NoError(t, chunks.Err())
	require.NoError(t, chunks.Close())
	require.Len(t, rows, 2)
	assert.Less(t, rows[0].Offset, rows[1].Offset)
	assert.Equal(t, int64(0), rows[0].Offset)

	mailbox, err := b.GetMailboxByUniqueID("X")
	require.NoError(t, err)
	// The mailbox row's own last_chunk_id only advances on a MAILBOX command;
	// the second chunk carries an EXPUNGE, which updates mailbox_message, not
	// the mailbox row itself, so it still points at the first chunk.
	assert.Equal(t, rows[0].ID, mailbox.LastChunkID)

	live, err := b.MailboxMessagesForeach("X", false)
	require.NoError(t, err)
	var liveCount int
	for live.Next() {
		liveCount++
	}
	require.NoError(t, live.Err())
	require.NoError(t, live.Close())
	assert.Equal(t, 0, liveCount, "uid 5 was expunged and must not appear in the live set")

	all, err := b.MailboxMessagesForeach("X", true)
	require.NoError(t, err)
	var found bool
	for all.Next() {
		if all.Record().UID == 5 {
			found = true
		}
	}
	require.NoError(t, all.Err())
	require.NoError(t, all.Close())
	assert.True(t, found, "uid 5 must still be visible when expunged rows are included")

	require.NoError(t, b.Close())
}

// TestCrashBetweenLogWriteAndCommit matches spec §8 end-to-end scenario 3:
// a chunk's raw bytes land on disk, but the process dies before the index
// transaction commits.
func TestCrashBetweenLogWriteAndCommit(t *testing.T) {
	cfg := testConfig(t)
	userid := "carol@example.com"
	b, err := Open(cfg, userid)
	require.NoError(t, err)
	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.AppendEnd())
	require.NoError(t, b.Close())

	logPath, idxPath, err := GetPaths(cfg, userid)
	require.NoError(t, err)

	// Simulate a second append session whose log bytes land but whose
	// index transaction never commits: write a second well-formed member
	// directly, bypassing AppendStart/AppendEnd's index side.
	f, err := os.OpenFile(logPath, os.O_RDWR, 0o640)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_ = writeMember(t, f, info.Size(), "# cyrus backup: chunk start 1700000060\r\n")
	require.NoError(t, f.Close())

	_, err = OpenPaths(cfg, logPath, idxPath, ModeNormal)
	require.Error(t, err)
	var mismatch *ChecksumMismatchError
	assert.ErrorAs(t, err, &mismatch)

	b2, err := OpenPaths(cfg, logPath, idxPath, ModeReindex)
	require.NoError(t, err)
	chunks, err := b2.GetChunks()
	require.NoError(t, err)
	var n int
	for chunks.Next() {
		n++
	}
	require.NoError(t, chunks.Err())
	require.NoError(t, chunks.Close())
	assert.Equal(t, 2, n)
	require.NoError(t, b2.Close())
}

// TestCorruptTrailingBytes matches spec §8 end-to-end scenario 4.
func TestCorruptTrailingBytes(t *testing.T) {
	cfg := testConfig(t)
	userid := "dave@example.com"
	b, err := Open(cfg, userid)
	require.NoError(t, err)
	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.AppendEnd())
	require.NoError(t, b.Close())

	logPath, idxPath, err := GetPaths(cfg, userid)
	require.NoError(t, err)

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenPaths(cfg, logPath, idxPath, ModeNormal)
	require.Error(t, err)
	var mismatch *ChecksumMismatchError
	assert.ErrorAs(t, err, &mismatch)

	b2, err := OpenPaths(cfg, logPath, idxPath, ModeReindex)
	require.NoError(t, err)
	chunk, err := b2.GetLatestChunk()
	require.NoError(t, err)
	header := "# cyrus backup: chunk start 1700000000\r\n"
	assert.Equal(t, int64(len(header)), chunk.Length)
	require.NoError(t, b2.Close())
}

// TestReorderedChunksFailReindex matches spec §8 end-to-end scenario 5.
func TestReorderedChunksFailReindex(t *testing.T) {
	cfg := testConfig(t)
	userid := "erin@example.com"

	_, _, err := GetPaths(cfg, userid)
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := Open(cfg, userid)
	require.NoError(t, err)
	logPath, idxPath, err := GetPaths(cfg, userid)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	f, err := os.OpenFile(logPath, os.O_RDWR, 0o640)
	require.NoError(t, err)
	size1 := writeMember(t, f, 0, "# cyrus backup: chunk start 1000\r\n")
	_ = writeMember(t, f, size1, "# cyrus backup: chunk start 999\r\n")
	require.NoError(t, f.Close())

	_, err = OpenPaths(cfg, logPath, idxPath, ModeReindex)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataOrder)
}

// TestAppendAbort matches spec §8 property 4: aborting returns the index
// to its pre-start snapshot.
func TestAppendAbort(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "frank@example.com")
	require.NoError(t, err)

	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.Append(1700000000, mailboxMessageDlist(t, "X", "INBOX", 1, "g1")))
	require.NoError(t, b.AppendEnd())

	_, err = b.GetLatestChunk()
	require.NoError(t, err)

	require.NoError(t, b.AppendStart(1700000100))
	require.NoError(t, b.Append(1700000100, expungeDlist(t, "X", 1)))
	require.NoError(t, b.AppendAbort())

	chunks, err := b.GetChunks()
	require.NoError(t, err)
	var n int
	for chunks.Next() {
		n++
	}
	require.NoError(t, chunks.Err())
	require.NoError(t, chunks.Close())
	assert.Equal(t, 1, n)

	_, err = b.GetMailboxByUniqueID("X")
	require.NoError(t, err)
	it, err := b.MailboxMessagesForeach("X", false)
	require.NoError(t, err)
	var uids []int64
	for it.Next() {
		uids = append(uids, it.Record().UID)
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, []int64{1}, uids, "the aborted expunge of uid 1 must not have taken effect")

	require.NoError(t, b.Close())
}

// TestAppendInvalidState covers the invalid-state error kind (spec §7).
func TestAppendInvalidState(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "grace@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	err = b.AppendEnd()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, b.AppendStart(1700000000))
	err = b.AppendStart(1700000001)
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, b.AppendEnd())
}

// TestOpenReindexRequired matches spec §8 boundary behavior: a non-empty
// log with a missing/empty index.
func TestOpenReindexRequired(t *testing.T) {
	cfg := testConfig(t)
	userid := "heidi@example.com"
	b, err := Open(cfg, userid)
	require.NoError(t, err)
	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.AppendEnd())
	require.NoError(t, b.Close())

	logPath, idxPath, err := GetPaths(cfg, userid)
	require.NoError(t, err)
	require.NoError(t, os.Remove(idxPath))

	_, err = OpenPaths(cfg, logPath, idxPath, ModeNormal)
	assert.ErrorIs(t, err, ErrReindexRequired)
}

// TestConcurrentOpenBlocks matches spec §8 property 5: a second opener
// cannot acquire the lock while the first holds it. flock contention is only
// observable across distinct open file descriptions, so the second attempt
// goes through a fresh os.Open on the same path rather than reusing b's fd.
func TestConcurrentOpenBlocks(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "ivan@example.com")
	require.NoError(t, err)

	second, err := os.Open(b.logPath)
	require.NoError(t, err)
	err = tryLockLog(int(second.Fd()))
	assert.True(t, errors.Is(err, ErrLocked))
	require.NoError(t, second.Close())

	require.NoError(t, b.Close())

	third, err := os.Open(b.logPath)
	require.NoError(t, err)
	err = tryLockLog(int(third.Fd()))
	assert.NoError(t, err)
	_ = unlockLog(int(third.Fd()))
	require.NoError(t, third.Close())
}

func TestOpenExisting_UnknownUser(t *testing.T) {
	cfg := testConfig(t)
	_, err := OpenExisting(cfg, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestOpenExisting_KnownUser(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "judy@example.com")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2, err := OpenExisting(cfg, "judy@example.com")
	require.NoError(t, err)
	require.NoError(t, b2.Close())
}
