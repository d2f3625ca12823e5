package decompress

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

func testPayload() []byte {
	return bytes.Repeat([]byte("a reasonably compressible payload. "), 200)
}

func TestStorePassthrough(t *testing.T) {
	data := []byte("unchanged")
	got, err := io.ReadAll(Store(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("store changed the bytes")
	}
}

func TestFlateRoundTrip(t *testing.T) {
	plain := testPayload()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	fw.Write(plain)
	fw.Close()

	got, err := io.ReadAll(Flate(&buf))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("flate round trip mismatch")
	}
}

func TestZstdRoundTrip(t *testing.T) {
	plain := testPayload()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zw.Write(plain)
	zw.Close()

	r, err := Zstd(&buf)
	if err != nil {
		t.Fatalf("Zstd failed: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("zstd round trip mismatch")
	}
}

func TestLZMARoundTrip(t *testing.T) {
	plain := testPayload()
	var buf bytes.Buffer
	lw, err := lzma.NewWriter(&buf)
	if err != nil {
		t.Fatalf("lzma writer: %v", err)
	}
	lw.Write(plain)
	lw.Close()

	// The writer emits the classic 13-byte header; the raw form stored in
	// archives is properties plus bare stream.
	full := buf.Bytes()
	props, raw := full[:5], full[13:]

	r, err := LZMA(bytes.NewReader(raw), props, int64(len(plain)))
	if err != nil {
		t.Fatalf("LZMA failed: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("lzma round trip mismatch")
	}
}

func TestLZMA2RoundTrip(t *testing.T) {
	plain := testPayload()
	var buf bytes.Buffer
	cfg := lzma.Writer2Config{}
	lw, err := cfg.NewWriter2(&buf)
	if err != nil {
		t.Fatalf("lzma2 writer: %v", err)
	}
	lw.Write(plain)
	lw.Close()

	// Property byte 22 selects an 8 MiB dictionary, matching the writer
	// default.
	r, err := LZMA2(&buf, []byte{22})
	if err != nil {
		t.Fatalf("LZMA2 failed: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("lzma2 round trip mismatch")
	}
}

func TestLZMA2DictCap(t *testing.T) {
	cases := []struct {
		prop byte
		want int
	}{
		{0, 1 << 12},
		{1, 3 << 11},
		{2, 1 << 13},
		{22, 1 << 23},
		{40, 1<<32 - 1},
	}
	for _, tc := range cases {
		got, err := lzma2DictCap(tc.prop)
		if err != nil {
			t.Fatalf("lzma2DictCap(%d) failed: %v", tc.prop, err)
		}
		if got != tc.want {
			t.Errorf("lzma2DictCap(%d) = %d, want %d", tc.prop, got, tc.want)
		}
	}
	if _, err := lzma2DictCap(41); err == nil {
		t.Error("lzma2DictCap(41) should fail")
	}
}

func TestLZMABadProps(t *testing.T) {
	if _, err := LZMA(bytes.NewReader(nil), []byte{1, 2}, 0); err == nil {
		t.Error("LZMA with short props should fail")
	}
	if _, err := LZMA2(bytes.NewReader(nil), nil); err == nil {
		t.Error("LZMA2 with no props should fail")
	}
}
