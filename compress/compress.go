// Package compress wraps the oplog/chunk archival codecs this core can
// produce and consume: a small CompressionType enum plus symmetric
// Compress/Decompress wrappers, with one documented historical wrinkle
// around Snappy/S2 naming that the decompressor still has to cope with.
package compress

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressionType names one of the archival codecs a partition or chunk
// may be written with.
type CompressionType string

const (
	CompressionTypeNone   CompressionType = "none"
	CompressionTypeGZIP   CompressionType = "gzip"
	CompressionTypePGZIP  CompressionType = "pgzip"
	CompressionTypeLZ4    CompressionType = "lz4"
	CompressionTypeSnappy CompressionType = "snappy"
	CompressionTypeS2     CompressionType = "s2"
	CompressionTypeZstd   CompressionType = "zstd"
)

// FileExtension returns the suffix archival filenames use for c, so the
// storage layer can name objects consistently with what Decompress
// expects to be asked for.
func FileExtension(c CompressionType) string {
	switch c {
	case CompressionTypeGZIP, CompressionTypePGZIP:
		return "gz"
	case CompressionTypeLZ4:
		return "lz4"
	case CompressionTypeSnappy:
		return "snappy"
	case CompressionTypeS2:
		return "s2"
	case CompressionTypeZstd:
		return "zst"
	default:
		return ""
	}
}

// Compress wraps w with a writer that compresses everything written to it
// per c. The caller must Close the returned writer to flush trailing
// codec state before closing the underlying w.
func Compress(w io.Writer, c CompressionType) (io.WriteCloser, error) {
	switch c {
	case CompressionTypeNone, "":
		return nopWriteCloser{w}, nil
	case CompressionTypeGZIP, CompressionTypePGZIP:
		return pgzip.NewWriter(w), nil
	case CompressionTypeLZ4:
		return lz4.NewWriter(w), nil
	case CompressionTypeSnappy:
		return snappy.NewBufferedWriter(w), nil
	case CompressionTypeS2:
		return s2.NewWriter(w), nil
	case CompressionTypeZstd:
		return zstd.NewWriter(w)
	default:
		return nil, errors.Errorf("compress: unknown compression type %q", c)
	}
}

// Decompress wraps r with a reader that decompresses per c.
//
// Up through an earlier release, PITR chunks compressed with S2 were
// still named with a .snappy extension -- S2 is a strict superset of the
// Snappy block format, so nothing caught the mislabeling until a true
// Snappy stream needed decoding. Replaying one of those old chunks as
// Snappy fails with snappy.ErrCorrupt; callers reading oplog chunks
// should catch that and retry the same stream as S2 (see
// ReplayWithFallback) rather than trusting the recorded CompressionType
// alone for chunks written before the mismatch was fixed.
func Decompress(r io.Reader, c CompressionType) (io.Reader, error) {
	switch c {
	case CompressionTypeNone, "":
		return r, nil
	case CompressionTypeGZIP, CompressionTypePGZIP:
		return pgzip.NewReader(r)
	case CompressionTypeLZ4:
		return lz4.NewReader(r), nil
	case CompressionTypeSnappy:
		return snappy.NewReader(r), nil
	case CompressionTypeS2:
		return s2.NewReader(r), nil
	case CompressionTypeZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, errors.Errorf("decompress: unknown compression type %q", c)
	}
}

// ReplayWithFallback decompresses the full contents of raw as c, and, if
// that fails with snappy.ErrCorrupt, retries the same bytes as S2 before
// giving up. fn is called once with the fully decompressed stream on
// whichever attempt succeeds.
func ReplayWithFallback(raw []byte, c CompressionType, fn func(io.Reader) error) error {
	dr, err := Decompress(bytes.NewReader(raw), c)
	if err == nil {
		err = fn(dr)
	}
	if err != nil && c == CompressionTypeSnappy && errors.Is(err, snappy.ErrCorrupt) {
		dr, err2 := Decompress(bytes.NewReader(raw), CompressionTypeS2)
		if err2 != nil {
			return errors.Wrap(err2, "retry as s2")
		}
		return errors.Wrap(fn(dr), "replay as s2 fallback")
	}
	if err != nil {
		return errors.Wrapf(err, "replay as %s", c)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
