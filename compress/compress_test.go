package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/golang/snappy"
)

func roundTrip(t *testing.T, c CompressionType) {
	t.Helper()
	var buf bytes.Buffer
	w, err := Compress(&buf, c)
	if err != nil {
		t.Fatalf("Compress(%s): %v", c, err)
	}
	want := []byte("the quick brown fox jumps over the lazy dog, repeated for good measure")
	if _, err := w.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := Decompress(&buf, c)
	if err != nil {
		t.Fatalf("Decompress(%s): %v", c, err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch for %s: got %q want %q", c, got, want)
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	for _, c := range []CompressionType{
		CompressionTypeNone,
		CompressionTypeGZIP,
		CompressionTypeLZ4,
		CompressionTypeSnappy,
		CompressionTypeS2,
		CompressionTypeZstd,
	} {
		roundTrip(t, c)
	}
}

func TestDecompressUnknownType(t *testing.T) {
	if _, err := Decompress(bytes.NewReader(nil), CompressionType("bogus")); err == nil {
		t.Fatal("expected an error for an unknown compression type")
	}
}

func TestReplayWithFallbackAcceptsPlainSnappy(t *testing.T) {
	var raw bytes.Buffer
	w := snappy.NewBufferedWriter(&raw) // a plain snappy stream, labeled as snappy below
	payload := []byte("legacy pitr chunk bytes that happen to need the s2 decoder")
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// A real snappy stream also decodes cleanly as s2 (s2 is a superset of
	// the snappy block format), so asking for CompressionTypeSnappy here
	// succeeds directly; this test only pins down that ReplayWithFallback
	// does not error out for a stream that is valid under both codecs.
	var got []byte
	err := ReplayWithFallback(raw.Bytes(), CompressionTypeSnappy, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		got = b
		return err
	})
	if err != nil {
		t.Fatalf("ReplayWithFallback: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestReplayWithFallbackPropagatesOtherErrors(t *testing.T) {
	err := ReplayWithFallback([]byte("not a valid gzip stream"), CompressionTypeGZIP, func(r io.Reader) error {
		_, err := io.ReadAll(r)
		return err
	})
	if err == nil {
		t.Fatal("expected an error for a corrupt gzip stream")
	}
}
