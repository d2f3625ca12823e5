// Package zip reads remote zip archives through ranged reads: the
// end-of-central-directory record is located by scanning backward from the
// tail block, the central directory is fetched in one ranged read, and each
// extraction reads exactly the entry's compressed bytes.
package zip

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/rs/zerolog"
	"github.com/sirrobot01/dlextract/internal/logger"
	"github.com/sirrobot01/dlextract/pkg/archive/decompress"
	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"github.com/sirrobot01/dlextract/pkg/remote"
)

const (
	sigLocal     = 0x04034b50
	sigCentral   = 0x02014b50
	sigEOCD      = 0x06054b50
	sigEOCD64    = 0x06064b50
	sigEOCD64Loc = 0x07064b50

	eocdLen      = 22
	eocd64Len    = 56
	eocd64LocLen = 20
	centralLen   = 46
	localLen     = 30

	// EOCD position varies with the trailing comment; the comment field is
	// 16 bits so the scan never needs more than this window.
	maxEOCDSearch = 64*1024 + eocdLen
)

// Compression methods
const (
	MethodStore   = 0
	MethodDeflate = 8
	MethodZstd    = 93
	MethodAES     = 99 // WinZip AES wrapper; real method in the 0x9901 extra field
)

const (
	flagEncrypted = 0x0001
)

// Engine reads one remote zip archive. Construction does no I/O; Probe
// parses the central directory.
type Engine struct {
	stream   *remote.Stream
	password string
	log      zerolog.Logger
	entries  []types.Entry
	aes      map[string]aesParams // entry path -> AES parameters
	verifier map[string]byte      // entry path -> ZipCrypto verification byte
	probed   bool
}

type aesParams struct {
	strength byte   // 1=128, 2=192, 3=256
	method   uint16 // real compression method
	vendor   uint16 // 1=AE-1 (CRC present), 2=AE-2
}

func New(stream *remote.Stream, password string) *Engine {
	return &Engine{
		stream:   stream,
		password: password,
		log:      logger.New("zip"),
		aes:      make(map[string]aesParams),
		verifier: make(map[string]byte),
	}
}

func (e *Engine) Format() types.Format { return types.FormatZip }

func (e *Engine) Entries() []types.Entry { return e.entries }

func (e *Engine) Close() error { return e.stream.Close() }

// Probe locates the EOCD, reads the central directory in one ranged read and
// parses it into the entry list. Entry payload bytes are never touched.
func (e *Engine) Probe(ctx context.Context) error {
	if e.probed {
		return nil
	}

	eocdPos, eocd, err := e.findEOCD()
	if err != nil {
		return err
	}

	count := int64(binary.LittleEndian.Uint16(eocd[10:12]))
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:16]))
	cdOffset := int64(binary.LittleEndian.Uint32(eocd[16:20]))

	if count == 0xFFFF || cdSize == 0xFFFFFFFF || cdOffset == 0xFFFFFFFF {
		count, cdSize, cdOffset, err = e.readEOCD64(eocdPos)
		if err != nil {
			return err
		}
	}

	// The directory geometry comes straight from the file; validate it
	// against the stream before allocating anything sized by it.
	size := e.stream.Size()
	if cdSize < 0 || cdOffset < 0 || cdSize > size || cdOffset > size-cdSize {
		return fmt.Errorf("%w: central directory out of bounds", types.ErrUnknownFormat)
	}
	if count < 0 || count > cdSize/centralLen {
		return fmt.Errorf("%w: implausible entry count %d", types.ErrUnknownFormat, count)
	}

	dir := make([]byte, cdSize)
	if _, err := e.stream.ReadAt(dir, cdOffset); err != nil {
		return fmt.Errorf("failed to read central directory: %w", err)
	}

	if err := e.parseCentralDirectory(dir, count); err != nil {
		return err
	}
	e.probed = true
	e.log.Debug().
		Int("entries", len(e.entries)).
		Int64("requests", e.stream.Requests()).
		Msg("probed central directory")
	return nil
}

// findEOCD scans backward from the end of the archive for the EOCD
// signature. The first window is the tail block; it expands up to the 64 KiB
// comment bound before giving up.
func (e *Engine) findEOCD() (int64, []byte, error) {
	size := e.stream.Size()
	if size < eocdLen {
		return 0, nil, fmt.Errorf("%w: %d bytes is too small for a zip archive", types.ErrUnknownFormat, size)
	}

	window := int64(eocdLen + 1024)
	for {
		if window > size {
			window = size
		}
		start := size - window
		buf := make([]byte, window)
		if _, err := e.stream.ReadAt(buf, start); err != nil {
			return 0, nil, fmt.Errorf("failed to read archive tail: %w", err)
		}

		sig := []byte{0x50, 0x4b, 0x05, 0x06}
		for i := len(buf) - eocdLen; i >= 0; i-- {
			if !bytes.Equal(buf[i:i+4], sig) {
				continue
			}
			rec := buf[i : i+eocdLen]
			commentLen := int64(binary.LittleEndian.Uint16(rec[20:22]))
			// The record must end exactly at EOF minus its comment.
			if start+int64(i)+eocdLen+commentLen == size {
				return start + int64(i), rec, nil
			}
		}

		if window == size || window >= maxEOCDSearch {
			return 0, nil, fmt.Errorf("%w: end-of-central-directory record not found", types.ErrUnknownFormat)
		}
		window *= 4
	}
}

func (e *Engine) readEOCD64(eocdPos int64) (count, cdSize, cdOffset int64, err error) {
	locPos := eocdPos - eocd64LocLen
	if locPos < 0 {
		return 0, 0, 0, fmt.Errorf("%w: zip64 locator out of bounds", types.ErrUnknownFormat)
	}
	loc := make([]byte, eocd64LocLen)
	if _, err := e.stream.ReadAt(loc, locPos); err != nil {
		return 0, 0, 0, err
	}
	if binary.LittleEndian.Uint32(loc[0:4]) != sigEOCD64Loc {
		return 0, 0, 0, fmt.Errorf("%w: zip64 locator signature missing", types.ErrUnknownFormat)
	}
	recPos := int64(binary.LittleEndian.Uint64(loc[8:16]))

	rec := make([]byte, eocd64Len)
	if _, err := e.stream.ReadAt(rec, recPos); err != nil {
		return 0, 0, 0, err
	}
	if binary.LittleEndian.Uint32(rec[0:4]) != sigEOCD64 {
		return 0, 0, 0, fmt.Errorf("%w: zip64 EOCD signature missing", types.ErrUnknownFormat)
	}
	count = int64(binary.LittleEndian.Uint64(rec[32:40]))
	cdSize = int64(binary.LittleEndian.Uint64(rec[40:48]))
	cdOffset = int64(binary.LittleEndian.Uint64(rec[48:56]))
	return count, cdSize, cdOffset, nil
}

func (e *Engine) parseCentralDirectory(dir []byte, count int64) error {
	entries := make([]types.Entry, 0, count)
	seen := make(map[string]struct{}, count)
	pos := 0
	for i := int64(0); i < count; i++ {
		if pos+centralLen > len(dir) {
			return fmt.Errorf("%w: truncated central directory", types.ErrUnknownFormat)
		}
		rec := dir[pos:]
		if binary.LittleEndian.Uint32(rec[0:4]) != sigCentral {
			return fmt.Errorf("%w: bad central directory record at %d", types.ErrUnknownFormat, pos)
		}

		flags := binary.LittleEndian.Uint16(rec[8:10])
		method := binary.LittleEndian.Uint16(rec[10:12])
		modTime := binary.LittleEndian.Uint16(rec[12:14])
		crc := binary.LittleEndian.Uint32(rec[16:20])
		csize := int64(binary.LittleEndian.Uint32(rec[20:24]))
		usize := int64(binary.LittleEndian.Uint32(rec[24:28]))
		nameLen := int(binary.LittleEndian.Uint16(rec[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(rec[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(rec[32:34]))
		localOffset := int64(binary.LittleEndian.Uint32(rec[42:46]))

		if pos+centralLen+nameLen+extraLen+commentLen > len(dir) {
			return fmt.Errorf("%w: truncated central directory record", types.ErrUnknownFormat)
		}
		name := string(rec[centralLen : centralLen+nameLen])
		extra := rec[centralLen+nameLen : centralLen+nameLen+extraLen]

		csize, usize, localOffset = applyZip64(extra, csize, usize, localOffset)

		entry := types.Entry{
			Path:             name,
			CompressedSize:   csize,
			UncompressedSize: usize,
			DataOffset:       localOffset,
			Method:           method,
			CRC32:            crc,
			HasCRC:           true,
			IsDirectory:      len(name) > 0 && name[len(name)-1] == '/',
			Encrypted:        flags&flagEncrypted != 0,
		}

		if entry.Encrypted && method != MethodAES {
			// ZipCrypto verification byte: CRC high byte, or the file time
			// high byte when a data descriptor is used (flag bit 3).
			if flags&0x08 != 0 {
				e.verifier[name] = byte(modTime >> 8)
			} else {
				e.verifier[name] = byte(crc >> 24)
			}
		}

		if method == MethodAES {
			params, err := parseAESExtra(extra)
			if err != nil {
				return fmt.Errorf("entry %s: %w", name, err)
			}
			e.aes[name] = params
			entry.Method = params.method
			if params.vendor == 2 {
				entry.HasCRC = false // AE-2 zeroes the CRC; HMAC authenticates instead
			}
		}

		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate entry path %q", types.ErrCorruptEntry, name)
		}
		seen[name] = struct{}{}
		entries = append(entries, entry)
		pos += centralLen + nameLen + extraLen + commentLen
	}
	e.entries = entries
	return nil
}

// applyZip64 resolves 32-bit overflow markers from the 0x0001 extra field.
// Field order inside the extra is fixed (usize, csize, offset), but only the
// overflowed ones are present.
func applyZip64(extra []byte, csize, usize, offset int64) (int64, int64, int64) {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+size > len(extra) {
			break
		}
		if tag == 0x0001 {
			body := extra[4 : 4+size]
			if usize == 0xFFFFFFFF && len(body) >= 8 {
				usize = int64(binary.LittleEndian.Uint64(body[0:8]))
				body = body[8:]
			}
			if csize == 0xFFFFFFFF && len(body) >= 8 {
				csize = int64(binary.LittleEndian.Uint64(body[0:8]))
				body = body[8:]
			}
			if offset == 0xFFFFFFFF && len(body) >= 8 {
				offset = int64(binary.LittleEndian.Uint64(body[0:8]))
			}
			break
		}
		extra = extra[4+size:]
	}
	return csize, usize, offset
}

func parseAESExtra(extra []byte) (aesParams, error) {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+size > len(extra) {
			break
		}
		if tag == 0x9901 && size >= 7 {
			body := extra[4 : 4+size]
			return aesParams{
				vendor:   binary.LittleEndian.Uint16(body[0:2]),
				strength: body[4],
				method:   binary.LittleEndian.Uint16(body[5:7]),
			}, nil
		}
		extra = extra[4+size:]
	}
	return aesParams{}, fmt.Errorf("%w: AES entry without 0x9901 extra field", types.ErrCorruptEntry)
}

// Extract streams the decompressed bytes of entry into w, verifying the
// recorded CRC (or the AES authentication code) against the output.
func (e *Engine) Extract(ctx context.Context, entry types.Entry, w io.Writer) error {
	if entry.IsDirectory {
		return types.ErrDirectoryExtract
	}

	dataStart, err := e.resolveDataOffset(entry)
	if err != nil {
		return err
	}
	raw := io.Reader(io.NewSectionReader(e.stream, dataStart, entry.CompressedSize))

	verified := false
	if entry.Encrypted {
		if e.password == "" {
			return fmt.Errorf("%w: %s", types.ErrPasswordRequired, entry.Path)
		}
		if params, ok := e.aes[entry.Path]; ok {
			raw, err = e.decryptAES(raw, entry, params)
			verified = true // HMAC check happens as the stream drains
		} else {
			raw, err = e.decryptZipCrypto(raw, entry)
		}
		if err != nil {
			return err
		}
	}

	dec, err := e.decompressor(entry.Method, raw)
	if err != nil {
		return err
	}
	defer dec.Close()

	crc := crc32.NewIEEE()
	if _, err := copyContext(ctx, io.MultiWriter(w, crc), dec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var we *writeError
		if errors.As(err, &we) {
			return we.err
		}
		if entry.Encrypted {
			// A garbled compressed stream on an encrypted entry is the
			// usual shape of a wrong password.
			return fmt.Errorf("%w: %s: %v", types.ErrAuthentication, entry.Path, err)
		}
		return fmt.Errorf("%w: %s: %v", types.ErrCorruptEntry, entry.Path, err)
	}

	if verified {
		// The decompressor may stop short of the ciphertext end; drain the
		// decrypting reader so the auth code is read and checked.
		if _, err := io.Copy(io.Discard, raw); err != nil {
			return err
		}
	}

	if entry.HasCRC && crc.Sum32() != entry.CRC32 {
		return types.AuthOrCorrupt(entry.Encrypted, entry.Path)
	}
	if !entry.HasCRC && !verified {
		return fmt.Errorf("%w: %s has no checksum", types.ErrCorruptEntry, entry.Path)
	}
	return nil
}

// resolveDataOffset reads the entry's local header to find where the payload
// starts; local extra fields may differ in length from the central ones.
func (e *Engine) resolveDataOffset(entry types.Entry) (int64, error) {
	hdr := make([]byte, localLen)
	if _, err := e.stream.ReadAt(hdr, entry.DataOffset); err != nil {
		return 0, fmt.Errorf("failed to read local header for %s: %w", entry.Path, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != sigLocal {
		return 0, fmt.Errorf("%w: %s: local header signature missing", types.ErrCorruptEntry, entry.Path)
	}
	nameLen := int64(binary.LittleEndian.Uint16(hdr[26:28]))
	extraLen := int64(binary.LittleEndian.Uint16(hdr[28:30]))
	return entry.DataOffset + localLen + nameLen + extraLen, nil
}

func (e *Engine) decompressor(method uint16, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case MethodStore:
		return decompress.Store(r), nil
	case MethodDeflate:
		return decompress.Flate(r), nil
	case MethodZstd:
		return decompress.Zstd(r)
	default:
		return nil, fmt.Errorf("%w: zip method %d", types.ErrMethodUnsupported, method)
	}
}

// writeError keeps sink failures distinguishable from source corruption.
type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, &writeError{err: werr}
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
