package backup

import (
	"crypto/sha1" //nolint:gosec // chained-hash integrity proof, not a security boundary
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// shaWriter accumulates a streaming SHA-1 digest over whatever bytes pass
// through Write, mirroring the teacher's crcWriter but for the stronger hash
// the chain invariants of spec §3 require.
type shaWriter struct {
	w   io.Writer
	sum hash.Hash
}

func newSHAWriter(w io.Writer) *shaWriter {
	return &shaWriter{w: w, sum: sha1.New()} //nolint:gosec
}

func (s *shaWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		_, _ = s.sum.Write(p[:n])
	}
	return n, err
}

// Sum returns the lowercase hex digest of everything written so far.
func (s *shaWriter) Sum() string {
	return hex.EncodeToString(s.sum.Sum(nil))
}

// Reset begins a new digest over a new or same destination. (Append
// sessions do not call it; each one starts its own shaWriter.)
func (s *shaWriter) Reset(w io.Writer) {
	s.w = w
	s.sum = sha1.New() //nolint:gosec
}

// shaReader computes a digest of bytes as they are read, used while
// streaming a chunk's decoded bytes during validation or reindex.
type shaReader struct {
	r   io.Reader
	sum hash.Hash
	n   int64
}

func newSHAReader(r io.Reader) *shaReader {
	return &shaReader{r: r, sum: sha1.New()} //nolint:gosec
}

func (s *shaReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		_, _ = s.sum.Write(p[:n])
		s.n += int64(n)
	}
	return n, err
}

func (s *shaReader) Sum() string {
	return hex.EncodeToString(s.sum.Sum(nil))
}

func (s *shaReader) Count() int64 {
	return s.n
}

// sha1HexEmpty is SHA1("") == file_sha1 of chunk 0 in a fresh log, spec §8
// scenario 1.
const sha1HexEmpty = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

// hashFilePrefix hashes the first limit bytes of fd (or the whole file, if
// limit exceeds its size), without disturbing the file's current offset.
// This is SHA1_LIMIT_WHOLE_FILE when limit == -1: the entire file is hashed.
func hashFilePrefix(fd *os.File, limit int64) (string, error) {
	info, err := fd.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	if limit < 0 || limit > size {
		limit = size
	}
	h := sha1.New() //nolint:gosec
	_, err = io.Copy(h, io.NewSectionReader(fd, 0, limit))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sha1LimitWholeFile requests hashFilePrefix hash the entire file.
const sha1LimitWholeFile = int64(-1)
