package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// File is one member of a built fixture archive.
type File struct {
	Name string
	Data []byte
	// Deflate compresses the member where the format supports it; fixtures
	// default to stored payloads so offsets are easy to reason about.
	Deflate bool
}

// BuildZip assembles a zip archive in memory.
func BuildZip(t *testing.T, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Store}
		if f.Deflate {
			hdr.Method = zip.Deflate
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("failed to create zip member %s: %v", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			t.Fatalf("failed to write zip member %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to finalize zip: %v", err)
	}
	return buf.Bytes()
}

// BuildRar3 assembles a RAR3 archive with stored payloads.
func BuildRar3(t *testing.T, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.Write([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00})

	// Archive header: 7-byte block header plus 6 reserved bytes.
	arch := make([]byte, 13)
	arch[2] = 0x73
	binary.LittleEndian.PutUint16(arch[5:7], 13)
	buf.Write(arch)

	for _, f := range files {
		if f.Deflate {
			t.Fatalf("rar fixtures only support stored payloads")
		}
		hdr := make([]byte, 32+len(f.Name))
		hdr[2] = 0x74
		binary.LittleEndian.PutUint16(hdr[3:5], 0x8000) // data follows
		binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(hdr)))
		binary.LittleEndian.PutUint32(hdr[7:11], uint32(len(f.Data)))  // packed
		binary.LittleEndian.PutUint32(hdr[11:15], uint32(len(f.Data))) // unpacked
		binary.LittleEndian.PutUint32(hdr[16:20], crc32.ChecksumIEEE(f.Data))
		hdr[25] = 0x30 // store
		binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(f.Name)))
		copy(hdr[32:], f.Name)
		buf.Write(hdr)
		buf.Write(f.Data)
	}

	end := make([]byte, 7)
	end[2] = 0x7B
	binary.LittleEndian.PutUint16(end[5:7], 7)
	buf.Write(end)
	return buf.Bytes()
}

// putVint encodes a RAR5 variable-length integer.
func putVint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			return append(out, b)
		}
	}
}

// rar5Block frames a header area as a RAR5 block: CRC32, size vint, header.
func rar5Block(header []byte) []byte {
	var buf bytes.Buffer
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(header))
	buf.Write(crc[:])
	buf.Write(putVint(uint64(len(header))))
	buf.Write(header)
	return buf.Bytes()
}

// BuildRar5 assembles a RAR5 archive with stored payloads.
func BuildRar5(t *testing.T, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.Write([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00})

	// Main archive header: type 1, no flags, archive flags 0.
	buf.Write(rar5Block([]byte{0x01, 0x00, 0x00}))

	for _, f := range files {
		if f.Deflate {
			t.Fatalf("rar fixtures only support stored payloads")
		}
		var hdr bytes.Buffer
		hdr.Write(putVint(2))                    // type: file
		hdr.Write(putVint(0x02))                 // header flags: data follows
		hdr.Write(putVint(uint64(len(f.Data)))) // data size
		hdr.Write(putVint(0x04))                 // file flags: CRC present
		hdr.Write(putVint(uint64(len(f.Data)))) // unpacked size
		hdr.Write(putVint(0))                    // attributes
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(f.Data))
		hdr.Write(crc[:])
		hdr.Write(putVint(0)) // compression info: store
		hdr.Write(putVint(0)) // host OS
		hdr.Write(putVint(uint64(len(f.Name))))
		hdr.WriteString(f.Name)

		buf.Write(rar5Block(hdr.Bytes()))
		buf.Write(f.Data)
	}

	buf.Write(rar5Block([]byte{0x05, 0x00}))
	return buf.Bytes()
}
