package rar

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/sirrobot01/dlextract/internal/testutil"
	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"github.com/sirrobot01/dlextract/pkg/remote"
)

func openEngine(t *testing.T, data []byte) *Engine {
	t.Helper()
	eng, _ := openEngineWithPassword(t, data, "")
	return eng
}

func openEngineWithPassword(t *testing.T, data []byte, password string) (*Engine, *testutil.RangeServer) {
	t.Helper()
	srv := testutil.NewRangeServer(t, data)
	stream, err := remote.Open(context.Background(), srv.URL(), remote.Options{
		ChunkSize:  4 * 1024,
		TailSize:   8 * 1024,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	eng := New(stream, password)
	t.Cleanup(func() { eng.Close() })
	return eng, srv
}

func buildFiles() []testutil.File {
	return []testutil.File{
		{Name: "first.txt", Data: []byte("rar stored payload one")},
		{Name: "dir/second.bin", Data: bytes.Repeat([]byte{0xCD}, 3000)},
	}
}

func testProbeAndExtract(t *testing.T, data []byte) {
	t.Helper()
	files := buildFiles()
	eng := openEngine(t, data)

	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	entries := eng.Entries()
	if len(entries) != len(files) {
		t.Fatalf("got %d entries, want %d", len(entries), len(files))
	}
	for i, f := range files {
		if entries[i].Path != f.Name {
			t.Errorf("entry %d: path = %q, want %q", i, entries[i].Path, f.Name)
		}
		if entries[i].UncompressedSize != int64(len(f.Data)) {
			t.Errorf("entry %d: size = %d, want %d", i, entries[i].UncompressedSize, len(f.Data))
		}

		var buf bytes.Buffer
		if err := eng.Extract(context.Background(), entries[i], &buf); err != nil {
			t.Fatalf("Extract(%s) failed: %v", f.Name, err)
		}
		if !bytes.Equal(buf.Bytes(), f.Data) {
			t.Errorf("Extract(%s) returned wrong bytes", f.Name)
		}
	}
}

func TestRar3ProbeAndExtract(t *testing.T) {
	testProbeAndExtract(t, testutil.BuildRar3(t, buildFiles()))
}

func TestRar5ProbeAndExtract(t *testing.T) {
	testProbeAndExtract(t, testutil.BuildRar5(t, buildFiles()))
}

func TestMarkerAfterStub(t *testing.T) {
	// A self-extractor stub precedes the marker; the scan must find it.
	stub := bytes.Repeat([]byte{0x90}, 2048)
	data := append(stub, testutil.BuildRar3(t, buildFiles())...)
	testProbeAndExtract(t, data)
}

func TestMissingMarker(t *testing.T) {
	eng := openEngine(t, bytes.Repeat([]byte("not a rar "), 100))
	if err := eng.Probe(context.Background()); !errors.Is(err, types.ErrUnknownFormat) {
		t.Errorf("Probe without marker: err = %v, want ErrUnknownFormat", err)
	}
}

func TestTamperedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("rar integrity "), 50)
	data := testutil.BuildRar3(t, []testutil.File{{Name: "f", Data: payload}})
	idx := bytes.Index(data, payload)
	if idx < 0 {
		t.Fatal("stored payload not found in archive bytes")
	}
	data[idx] ^= 0x01

	eng := openEngine(t, data)
	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	var buf bytes.Buffer
	err := eng.Extract(context.Background(), eng.Entries()[0], &buf)
	if !errors.Is(err, types.ErrCorruptEntry) {
		t.Errorf("Extract on tampered entry: err = %v, want ErrCorruptEntry", err)
	}
}

func TestCompressedMethodUnsupported(t *testing.T) {
	data := testutil.BuildRar3(t, []testutil.File{{Name: "f", Data: []byte("xx")}})
	eng := openEngine(t, data)
	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	// Normal compression (method 0x33) has no decoder.
	entry := eng.Entries()[0]
	entry.Method = 0x33
	var buf bytes.Buffer
	err := eng.Extract(context.Background(), entry, &buf)
	if !errors.Is(err, types.ErrMethodUnsupported) {
		t.Errorf("Extract compressed entry: err = %v, want ErrMethodUnsupported", err)
	}
}

func TestProbeSkipsPayloads(t *testing.T) {
	// With payloads much larger than the chunk size, probing must stay on
	// the block headers: no served range may land inside a payload, away
	// from the chunk-alignment slop at its edges.
	files := []testutil.File{
		{Name: "a.bin", Data: bytes.Repeat([]byte{0xA1}, 64*1024)},
		{Name: "b.bin", Data: bytes.Repeat([]byte{0xB2}, 64*1024)},
		{Name: "c.bin", Data: bytes.Repeat([]byte{0xC3}, 64*1024)},
	}
	data := testutil.BuildRar3(t, files)
	eng, srv := openEngineWithPassword(t, data, "")

	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(eng.Entries()) != len(files) {
		t.Fatalf("got %d entries, want %d", len(eng.Entries()), len(files))
	}

	// Payload positions follow from the fixture layout: marker (7) plus
	// archive header (13), then per file a 32+name header and the payload.
	// The margin absorbs chunk alignment and the tail prefetch.
	const margin = 8 * 1024
	var interiors [][2]int
	pos := 20
	for _, f := range files {
		pos += 32 + len(f.Name)
		start, end := pos, pos+len(f.Data)
		if start+margin < end-margin {
			interiors = append(interiors, [2]int{start + margin, end - margin - 1})
		}
		pos = end
	}

	for _, r := range srv.Served() {
		for _, in := range interiors {
			if r[0] <= in[1] && r[1] >= in[0] {
				t.Errorf("served range [%d, %d] overlaps payload interior [%d, %d]",
					r[0], r[1], in[0], in[1])
			}
		}
	}
}

// buildEncryptedRar3 assembles a single-file RAR3 archive whose stored
// payload is AES-CBC encrypted with the header-salt key schedule.
func buildEncryptedRar3(t *testing.T, name string, plain []byte, password string, salt []byte) []byte {
	t.Helper()
	key, iv := deriveKey3(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}
	padded := make([]byte, (len(plain)+15)&^15)
	copy(padded, plain)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	var buf bytes.Buffer
	buf.Write(marker3)
	arch := make([]byte, 13)
	arch[2] = blockHeader3
	binary.LittleEndian.PutUint16(arch[5:7], 13)
	buf.Write(arch)

	hdr := make([]byte, 32+len(name)+saltLen3)
	hdr[2] = blockFile3
	binary.LittleEndian.PutUint16(hdr[3:5], flagHasData3|flagSalt3|flagEncrypted3)
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(hdr)))
	binary.LittleEndian.PutUint32(hdr[7:11], uint32(len(padded)))
	binary.LittleEndian.PutUint32(hdr[11:15], uint32(len(plain)))
	binary.LittleEndian.PutUint32(hdr[16:20], crc32.ChecksumIEEE(plain))
	hdr[25] = methodStore3
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(name)))
	copy(hdr[32:], name)
	copy(hdr[32+len(name):], salt)
	buf.Write(hdr)
	buf.Write(padded)

	end := make([]byte, 7)
	end[2] = blockEnd3
	binary.LittleEndian.PutUint16(end[5:7], 7)
	buf.Write(end)
	return buf.Bytes()
}

func TestEncryptedRar3RoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("sealed stored payload "), 40)
	salt := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}
	data := buildEncryptedRar3(t, "secret.txt", plain, "hunter2", salt)

	eng, _ := openEngineWithPassword(t, data, "hunter2")
	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	entry := eng.Entries()[0]
	if !entry.Encrypted {
		t.Fatal("entry not flagged as encrypted")
	}
	if entry.UncompressedSize != int64(len(plain)) {
		t.Errorf("UncompressedSize = %d, want %d", entry.UncompressedSize, len(plain))
	}

	var buf bytes.Buffer
	if err := eng.Extract(context.Background(), entry, &buf); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), plain) {
		t.Error("decrypted payload does not match")
	}
}

func TestEncryptedRar3WrongPassword(t *testing.T) {
	salt := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	data := buildEncryptedRar3(t, "f", []byte("confidential bytes"), "right", salt)

	eng, _ := openEngineWithPassword(t, data, "wrong")
	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	var buf bytes.Buffer
	err := eng.Extract(context.Background(), eng.Entries()[0], &buf)
	if !errors.Is(err, types.ErrAuthentication) {
		t.Errorf("Extract with wrong password: err = %v, want ErrAuthentication", err)
	}
}

func TestEncryptedRar3NoPassword(t *testing.T) {
	salt := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	data := buildEncryptedRar3(t, "f", []byte("confidential bytes"), "right", salt)

	eng := openEngine(t, data)
	if err := eng.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	var buf bytes.Buffer
	err := eng.Extract(context.Background(), eng.Entries()[0], &buf)
	if !errors.Is(err, types.ErrPasswordRequired) {
		t.Errorf("Extract without password: err = %v, want ErrPasswordRequired", err)
	}
}

func TestEncryptedEntryUnsupported(t *testing.T) {
	eng := &Engine{}
	entry := types.Entry{Path: "f", Encrypted: true}
	var buf bytes.Buffer
	err := eng.Extract(context.Background(), entry, &buf)
	if !errors.Is(err, types.ErrEncryptedUnsupported) {
		t.Errorf("Extract encrypted entry: err = %v, want ErrEncryptedUnsupported", err)
	}
}

func TestReadVint(t *testing.T) {
	cases := []struct {
		in   []byte
		want uint64
		n    int
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x7F}, 0x7F, 1},
		{[]byte{0x80, 0x01}, 0x80, 2},
		{[]byte{0xFF, 0x7F}, 0x3FFF, 2},
		{[]byte{0x80}, 0, 0}, // truncated continuation
		{nil, 0, 0},
	}
	for _, tc := range cases {
		got, n := readVint(tc.in)
		if n != tc.n || (n > 0 && got != tc.want) {
			t.Errorf("readVint(%v) = (%#x, %d), want (%#x, %d)", tc.in, got, n, tc.want, tc.n)
		}
	}
}

func TestDecodePackedUnicode(t *testing.T) {
	// Flag byte 0b01010101: four single-byte emissions from the data area.
	got := decodePackedUnicode("", []byte{0x55, 'n', 'a', 'm', 'e'})
	if got != "name" {
		t.Errorf("decodePackedUnicode = %q, want %q", got, "name")
	}
}

func TestRar3HighSizes(t *testing.T) {
	// Synthetic header with the high-size flag: sizes extend past 32 bits.
	name := "big"
	hdr := make([]byte, 40+len(name))
	hdr[2] = 0x74
	binary.LittleEndian.PutUint16(hdr[3:5], 0x8000|0x100)
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(hdr)))
	binary.LittleEndian.PutUint32(hdr[7:11], 0x10)  // pack low
	binary.LittleEndian.PutUint32(hdr[11:15], 0x20) // unp low
	hdr[25] = 0x30
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(name)))
	binary.LittleEndian.PutUint32(hdr[32:36], 1) // pack high
	binary.LittleEndian.PutUint32(hdr[36:40], 2) // unp high
	copy(hdr[40:], name)

	e := &Engine{}
	entry, _, err := e.parseFileHeader3(hdr, 0)
	if err != nil {
		t.Fatalf("parseFileHeader3 failed: %v", err)
	}
	if want := int64(1)<<32 + 0x10; entry.CompressedSize != want {
		t.Errorf("CompressedSize = %#x, want %#x", entry.CompressedSize, want)
	}
	if want := int64(2)<<32 + 0x20; entry.UncompressedSize != want {
		t.Errorf("UncompressedSize = %#x, want %#x", entry.UncompressedSize, want)
	}
}
