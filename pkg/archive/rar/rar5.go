package rar

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirrobot01/dlextract/pkg/archive/types"
)

// RAR5 block scan. Same linear strategy as RAR3; headers use variable-length
// integers and a leading CRC32 instead of fixed little-endian fields.

// readVint decodes a RAR5 variable-length integer (7 data bits per byte,
// high bit continues). Returns the value and the number of bytes consumed,
// or n == 0 when the buffer is exhausted.
func readVint(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

func (e *Engine) scan5(ctx context.Context, pos int64) error {
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// CRC32 (4) + headSize vint (<= 3 bytes for any sane header).
		prefix, err := e.readBytes(pos, 8)
		if err != nil {
			return fmt.Errorf("error reading block prefix at %d: %w", pos, err)
		}
		if len(prefix) < 5 {
			return fmt.Errorf("%w: archive end header missing", types.ErrCorruptEntry)
		}
		headSize, vn := readVint(prefix[4:])
		if vn == 0 || headSize == 0 {
			return fmt.Errorf("%w: bad header size at %d", types.ErrCorruptEntry, pos)
		}

		headStart := pos + 4 + int64(vn)
		hdr, err := e.readBytes(headStart, int(headSize))
		if err != nil || int64(len(hdr)) < int64(headSize) {
			return fmt.Errorf("failed to read block header at %d: %w", pos, err)
		}

		p := 0
		headType, n := readVint(hdr[p:])
		if n == 0 {
			return fmt.Errorf("%w: bad header type at %d", types.ErrCorruptEntry, pos)
		}
		p += n
		headFlags, n := readVint(hdr[p:])
		if n == 0 {
			return fmt.Errorf("%w: bad header flags at %d", types.ErrCorruptEntry, pos)
		}
		p += n

		var extraSize, dataSize uint64
		if headFlags&headerFlagExtra5 != 0 {
			extraSize, n = readVint(hdr[p:])
			if n == 0 {
				return fmt.Errorf("%w: bad extra size at %d", types.ErrCorruptEntry, pos)
			}
			p += n
		}
		if headFlags&headerFlagData5 != 0 {
			dataSize, n = readVint(hdr[p:])
			if n == 0 {
				return fmt.Errorf("%w: bad data size at %d", types.ErrCorruptEntry, pos)
			}
			p += n
		}

		next := headStart + int64(headSize) + int64(dataSize)

		switch headType {
		case blockEnd5:
			return nil
		case blockCrypt5:
			// Header encryption: nothing past this block is parseable
			// without decrypting the headers themselves.
			return fmt.Errorf("%w: RAR5 encrypted headers", types.ErrEncryptedUnsupported)
		case blockFile5:
			entry, err := e.parseFileHeader5(hdr[p:], int(extraSize), headStart+int64(headSize), int64(dataSize), pos)
			if err != nil {
				return err
			}
			if _, dup := seen[entry.Path]; dup {
				return fmt.Errorf("%w: duplicate entry path %q", types.ErrCorruptEntry, entry.Path)
			}
			seen[entry.Path] = struct{}{}
			e.entries = append(e.entries, entry)
		}

		pos = next
	}
}

func (e *Engine) parseFileHeader5(hdr []byte, extraSize int, dataOffset, dataSize, blockPos int64) (types.Entry, error) {
	bad := func(what string) (types.Entry, error) {
		return types.Entry{}, fmt.Errorf("%w: %s in file header at %d", types.ErrCorruptEntry, what, blockPos)
	}

	p := 0
	fileFlags, n := readVint(hdr[p:])
	if n == 0 {
		return bad("file flags")
	}
	p += n
	unpSize, n := readVint(hdr[p:])
	if n == 0 {
		return bad("unpacked size")
	}
	p += n
	if _, n = readVint(hdr[p:]); n == 0 { // attributes
		return bad("attributes")
	}
	p += n

	if fileFlags&0x02 != 0 { // mtime
		if p+4 > len(hdr) {
			return bad("mtime")
		}
		p += 4
	}
	var dataCRC uint32
	hasCRC := fileFlags&fileFlagHasCRC5 != 0
	if hasCRC {
		if p+4 > len(hdr) {
			return bad("data CRC")
		}
		dataCRC = binary.LittleEndian.Uint32(hdr[p : p+4])
		p += 4
	}

	compInfo, n := readVint(hdr[p:])
	if n == 0 {
		return bad("compression info")
	}
	p += n
	if _, n = readVint(hdr[p:]); n == 0 { // host OS
		return bad("host OS")
	}
	p += n
	nameLen, n := readVint(hdr[p:])
	if n == 0 {
		return bad("name length")
	}
	p += n
	if p+int(nameLen) > len(hdr) {
		return bad("name")
	}
	name := string(hdr[p : p+int(nameLen)])
	p += int(nameLen)

	// Extra records live at the tail of the header area; the encryption
	// record marks a password-protected entry.
	encrypted := false
	if extraSize > 0 && len(hdr) >= extraSize {
		extra := hdr[len(hdr)-extraSize:]
		for len(extra) > 0 {
			recSize, n := readVint(extra)
			if n == 0 || int(recSize)+n > len(extra) {
				break
			}
			recType, m := readVint(extra[n:])
			if m == 0 {
				break
			}
			if recType == extraRecCrypt5 {
				encrypted = true
			}
			extra = extra[n+int(recSize):]
		}
	}

	method := uint16((compInfo >> 7) & 0x07)

	return types.Entry{
		Path:             toSlash(name),
		CompressedSize:   dataSize,
		UncompressedSize: int64(unpSize),
		DataOffset:       dataOffset,
		Method:           method,
		CRC32:            dataCRC,
		HasCRC:           hasCRC,
		IsDirectory:      fileFlags&fileFlagDirectory5 != 0,
		Encrypted:        encrypted,
	}, nil
}
