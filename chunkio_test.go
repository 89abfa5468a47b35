package backup

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMember(t *testing.T, f *os.File, offset int64, body string) int64 {
	t.Helper()
	dup, err := dupFD(f)
	require.NoError(t, err)
	_, err = dup.Seek(offset, io.SeekStart)
	require.NoError(t, err)

	mw, err := newMemberWriter(dup, CompressionDefault)
	require.NoError(t, err)
	_, err = mw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Flush())
	require.NoError(t, mw.Close())

	info, err := f.Stat()
	require.NoError(t, err)
	return info.Size() - offset
}

func TestChunkedStreamCodec_MultipleMembers(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	size1 := writeMember(t, f, 0, "# cyrus backup: chunk start 1700000000\r\n")
	info, err := f.Stat()
	require.NoError(t, err)
	size2 := writeMember(t, f, info.Size(), "1700000060 APPLY EXPUNGE (UNIQUEID \"X\" UID (5))\r\n")

	reader := newChunkReader(f)

	require.NoError(t, reader.MemberStart(0))
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "# cyrus backup: chunk start 1700000000\r\n", string(got))
	assert.True(t, reader.MemberEOF())
	rawSize1, err := reader.MemberEnd()
	require.NoError(t, err)
	assert.Equal(t, size1, rawSize1)

	eof, err := reader.EOF()
	require.NoError(t, err)
	assert.False(t, eof)

	require.NoError(t, reader.MemberStart(-1)) // continue from current position
	got, err = io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "1700000060 APPLY EXPUNGE (UNIQUEID \"X\" UID (5))\r\n", string(got))
	rawSize2, err := reader.MemberEnd()
	require.NoError(t, err)
	assert.Equal(t, size2, rawSize2)

	eof, err = reader.EOF()
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestChunkReader_CorruptMember(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, err = f.Write([]byte{0x00, 0x01, 0x02, 0x03})
	require.NoError(t, err)

	reader := newChunkReader(f)
	err = reader.MemberStart(0)
	require.Error(t, err)
	var corrupt *CorruptLogError
	assert.ErrorAs(t, err, &corrupt)
}
