package testutil

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"unicode/utf16"
)

// put7zNumber encodes the 7z variable-length integer: a prefix of ones in
// the first byte selects how many little-endian bytes follow.
func put7zNumber(v uint64) []byte {
	for i := 0; i < 8; i++ {
		if v>>(8*i) < uint64(0x80)>>i {
			b := make([]byte, 1+i)
			b[0] = byte(0xFF^(0xFF>>i)) | byte(v>>(8*i))
			for j := 0; j < i; j++ {
				b[1+j] = byte(v >> (8 * j))
			}
			return b
		}
	}
	b := make([]byte, 9)
	b[0] = 0xFF
	binary.LittleEndian.PutUint64(b[1:], v)
	return b
}

// Build7z assembles a 7z archive: one copy-coded folder per file, an
// uncompressed header, real CRCs throughout.
func Build7z(t *testing.T, files []File) []byte {
	t.Helper()

	var packed bytes.Buffer
	for _, f := range files {
		if f.Deflate {
			t.Fatalf("7z fixtures only support stored payloads")
		}
		packed.Write(f.Data)
	}

	var h bytes.Buffer
	h.WriteByte(0x01) // header

	h.WriteByte(0x04) // main streams info
	h.WriteByte(0x06) // pack info
	h.Write(put7zNumber(0))
	h.Write(put7zNumber(uint64(len(files))))
	h.WriteByte(0x09) // sizes
	for _, f := range files {
		h.Write(put7zNumber(uint64(len(f.Data))))
	}
	h.WriteByte(0x00) // end pack info

	h.WriteByte(0x07) // unpack info
	h.WriteByte(0x0B) // folders
	h.Write(put7zNumber(uint64(len(files))))
	h.WriteByte(0x00) // not external
	for range files {
		h.Write(put7zNumber(1)) // one coder
		h.WriteByte(0x01)       // id size 1, simple
		h.WriteByte(0x00)       // copy codec
	}
	h.WriteByte(0x0C) // coder unpack sizes
	for _, f := range files {
		h.Write(put7zNumber(uint64(len(f.Data))))
	}
	h.WriteByte(0x0A) // folder CRCs
	h.WriteByte(0x01) // all defined
	for _, f := range files {
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(f.Data))
		h.Write(crc[:])
	}
	h.WriteByte(0x00) // end unpack info
	h.WriteByte(0x00) // end main streams info

	h.WriteByte(0x05) // files info
	h.Write(put7zNumber(uint64(len(files))))
	h.WriteByte(0x11) // names
	var names bytes.Buffer
	names.WriteByte(0x00) // not external
	for _, f := range files {
		for _, c := range utf16.Encode([]rune(f.Name)) {
			var u [2]byte
			binary.LittleEndian.PutUint16(u[:], c)
			names.Write(u[:])
		}
		names.Write([]byte{0, 0})
	}
	h.Write(put7zNumber(uint64(names.Len())))
	h.Write(names.Bytes())
	h.WriteByte(0x00) // end files info

	h.WriteByte(0x00) // end header

	header := h.Bytes()

	sig := make([]byte, 32)
	copy(sig, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C, 0x00, 0x04})
	binary.LittleEndian.PutUint64(sig[12:20], uint64(packed.Len()))
	binary.LittleEndian.PutUint64(sig[20:28], uint64(len(header)))
	binary.LittleEndian.PutUint32(sig[28:32], crc32.ChecksumIEEE(header))
	binary.LittleEndian.PutUint32(sig[8:12], crc32.ChecksumIEEE(sig[12:32]))

	var buf bytes.Buffer
	buf.Write(sig)
	buf.Write(packed.Bytes())
	buf.Write(header)
	return buf.Bytes()
}
