package backup

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// CompressionLevel controls the gzip level used for new log members. Unlike
// the teacher's CompressionLevel (which picked between lz4 and zstd tuning
// tables), the wire format here is pinned to the gzip family by spec §6, so
// this only ever selects among gzip's own levels.
type CompressionLevel int

const (
	CompressionFastest CompressionLevel = CompressionLevel(gzip.BestSpeed)
	CompressionDefault CompressionLevel = CompressionLevel(gzip.DefaultCompression)
	CompressionBest    CompressionLevel = CompressionLevel(gzip.BestCompression)
)

// countingReader tracks how many bytes have been pulled through it, used to
// recover a member's raw (compressed) size once it has been fully consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func newCountingReader(r io.Reader) *countingReader {
	return &countingReader{r: r}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ReadByte makes countingReader an io.ByteReader, so gzip reads the member
// straight from it instead of wrapping it in a read-ahead buffer: n then
// counts exactly the raw bytes the member occupies, and the file offset is
// left right after the member.
func (c *countingReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	c.n++
	return b[0], nil
}

// memberWriter is the write side of the chunked-stream codec (spec §4.A): it
// owns a duplicated descriptor positioned at the end of the log and writes
// exactly one gzip member to it for the lifetime of one append session.
type memberWriter struct {
	dup *os.File
	gz  *gzip.Writer
}

// newMemberWriter wraps a dup'd file descriptor with a fresh gzip member.
// The codec writer takes ownership of dup and closes it when the member is
// closed, per the "duplicate fd" resource rule in spec §9.
func newMemberWriter(dup *os.File, level CompressionLevel) (*memberWriter, error) {
	gz, err := gzip.NewWriterLevel(dup, int(level))
	if err != nil {
		_ = dup.Close()
		return nil, err
	}
	return &memberWriter{dup: dup, gz: gz}, nil
}

func (m *memberWriter) Write(p []byte) (int, error) {
	return m.gz.Write(p)
}

// Flush emits a full-flush boundary without closing the member, so that a
// concurrent reader (or a reindex after a crash) can decode everything
// written so far even though the gzip trailer has not been written yet.
func (m *memberWriter) Flush() error {
	return m.gz.Flush()
}

// Close finalizes the member (writing its gzip trailer, making it
// independently decodable from the next member onward) and closes the
// duplicated descriptor. It never touches the backup's own fd.
func (m *memberWriter) Close() error {
	gzErr := m.gz.Close()
	dupErr := m.dup.Close()
	if gzErr != nil {
		return gzErr
	}
	return dupErr
}

// chunkReader is the read side of the chunked-stream codec. It decodes one
// gzip member at a time from an arbitrary raw byte offset and reports how
// many raw bytes that member occupied, which the index needs to compute the
// next chunk's offset (spec §3 invariant 1).
type chunkReader struct {
	file         *os.File
	raw          *countingReader
	gz           *gzip.Reader
	memberOffset int64
	eof          bool
}

func newChunkReader(file *os.File) *chunkReader {
	return &chunkReader{file: file}
}

// MemberStart begins reading a new member. If rawOffset is non-negative, the
// underlying file is seeked there first; otherwise reading continues from
// wherever the file descriptor currently sits (normally right after the
// previous member, once MemberEnd has been called on it).
func (c *chunkReader) MemberStart(rawOffset int64) error {
	if rawOffset >= 0 {
		if _, err := c.file.Seek(rawOffset, io.SeekStart); err != nil {
			return err
		}
	} else {
		cur, err := c.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		rawOffset = cur
	}
	c.memberOffset = rawOffset
	c.eof = false
	c.raw = newCountingReader(c.file)
	gz, err := gzip.NewReader(c.raw)
	if err != nil {
		return &CorruptLogError{Offset: rawOffset, Reason: "missing or invalid member header", err: err}
	}
	gz.Multistream(false)
	c.gz = gz
	return nil
}

// Read returns decompressed bytes from the current member.
func (c *chunkReader) Read(p []byte) (int, error) {
	n, err := c.gz.Read(p)
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

// MemberEOF reports whether the current member has been fully decoded.
func (c *chunkReader) MemberEOF() bool {
	return c.eof
}

// MemberEnd finalizes reading of the current member and returns the raw
// (compressed, on-disk) bytes consumed from it, so the caller can compute
// the next member's offset. The trailing CRC/size footer is consumed and
// checked by Read when it reaches the end of the member; the returned size
// covers the whole member only once Read has returned io.EOF.
func (c *chunkReader) MemberEnd() (rawSize int64, err error) {
	if err := c.gz.Close(); err != nil {
		return 0, &CorruptLogError{Offset: c.memberOffset, Reason: "truncated or corrupt member trailer", err: err}
	}
	return c.raw.n, nil
}

// EOF reports whether the raw log file has any bytes left to start a new
// member at.
func (c *chunkReader) EOF() (bool, error) {
	pos, err := c.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, err
	}
	info, err := c.file.Stat()
	if err != nil {
		return false, err
	}
	return pos >= info.Size(), nil
}
