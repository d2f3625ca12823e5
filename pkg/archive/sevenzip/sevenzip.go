// Package sevenzip reads remote 7z archives. The signature header at offset
// zero locates the metadata block ("next header") at the end of the file, so
// probing costs a handful of range requests regardless of archive size.
//
// 7z compresses whole folders, not individual entries, so extracting one
// entry decompresses its folder; decoded folders are cached for the life of
// the engine so sibling entries don't pay twice.
package sevenzip

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sirrobot01/dlextract/internal/logger"
	"github.com/sirrobot01/dlextract/pkg/archive/decompress"
	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"github.com/sirrobot01/dlextract/pkg/remote"
)

var signature = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}

const signatureHeaderLen = 32

// entryLoc places an entry inside a decoded folder.
type entryLoc struct {
	folder int
	offset uint64
}

// Engine reads one remote 7z archive.
type Engine struct {
	stream   *remote.Stream
	password string
	log      zerolog.Logger

	entries []types.Entry
	locs    map[string]entryLoc
	streams *streamsInfo

	// Decoded folder payloads, keyed by folder index. Dropped on Close.
	folderCache map[int][]byte

	probed bool
}

func New(stream *remote.Stream, password string) *Engine {
	return &Engine{
		stream:      stream,
		password:    password,
		log:         logger.New("sevenzip"),
		locs:        make(map[string]entryLoc),
		folderCache: make(map[int][]byte),
	}
}

func (e *Engine) Format() types.Format { return types.FormatSevenZip }

func (e *Engine) Entries() []types.Entry { return e.entries }

func (e *Engine) Close() error {
	e.folderCache = nil
	return e.stream.Close()
}

// Probe reads the signature header, fetches and verifies the next header,
// decodes it if stored compressed, and assembles the entry list.
func (e *Engine) Probe(ctx context.Context) error {
	if e.probed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sig := make([]byte, signatureHeaderLen)
	if _, err := io.ReadFull(io.NewSectionReader(e.stream, 0, signatureHeaderLen), sig); err != nil {
		return fmt.Errorf("failed to read signature header: %w", err)
	}
	if !bytes.Equal(sig[:6], signature) {
		return fmt.Errorf("%w: bad 7z signature", types.ErrUnknownFormat)
	}
	if crc32.ChecksumIEEE(sig[12:32]) != binary.LittleEndian.Uint32(sig[8:12]) {
		return fmt.Errorf("%w: signature header CRC mismatch", types.ErrCorruptEntry)
	}

	nextOffset := binary.LittleEndian.Uint64(sig[12:20])
	nextSize := binary.LittleEndian.Uint64(sig[20:28])
	nextCRC := binary.LittleEndian.Uint32(sig[28:32])

	if nextSize == 0 {
		e.probed = true // empty archive
		return nil
	}
	if nextSize > 1<<28 {
		return fmt.Errorf("%w: implausible header size %d", types.ErrCorruptEntry, nextSize)
	}
	headerStart := int64(signatureHeaderLen) + int64(nextOffset)
	if headerStart+int64(nextSize) > e.stream.Size() {
		return fmt.Errorf("%w: next header overruns file", types.ErrCorruptEntry)
	}

	raw := make([]byte, nextSize)
	if _, err := io.ReadFull(io.NewSectionReader(e.stream, headerStart, int64(nextSize)), raw); err != nil {
		return fmt.Errorf("failed to read next header: %w", err)
	}
	if crc32.ChecksumIEEE(raw) != nextCRC {
		return fmt.Errorf("%w: next header CRC mismatch", types.ErrCorruptEntry)
	}

	r := &byteReader{buf: raw}
	id, err := r.number()
	if err != nil {
		return err
	}
	if id == idEncodedHeader {
		if raw, err = e.decodeHeader(ctx, r); err != nil {
			return err
		}
		r = &byteReader{buf: raw}
		if id, err = r.number(); err != nil {
			return err
		}
	}
	if id != idHeader {
		return errHeader("expected header, got 0x%x", id)
	}

	if err := e.parseHeader(r); err != nil {
		return err
	}
	e.probed = true
	e.log.Debug().
		Int("entries", len(e.entries)).
		Int("folders", e.folderCount()).
		Msg("parsed archive header")
	return nil
}

func (e *Engine) folderCount() int {
	if e.streams == nil {
		return 0
	}
	return len(e.streams.folders)
}

// decodeHeader handles the encoded-header case: the metadata itself is a
// one-folder compressed stream described by a streams info block.
func (e *Engine) decodeHeader(ctx context.Context, r *byteReader) ([]byte, error) {
	info, err := parseStreamsInfo(r)
	if err != nil {
		return nil, err
	}
	if len(info.folders) != 1 {
		return nil, errHeader("encoded header needs exactly one folder, got %d", len(info.folders))
	}
	data, err := e.decodeFolder(ctx, info, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode compressed header: %w", err)
	}
	return data, nil
}

func (e *Engine) parseHeader(r *byteReader) error {
	var files []fileRecord
	for {
		id, err := r.number()
		if err != nil {
			return err
		}
		switch id {
		case idEnd:
			return e.assembleEntries(files)
		case idArchiveProperties:
			if err := skipArchiveProperties(r); err != nil {
				return err
			}
		case idMainStreamsInfo:
			if e.streams, err = parseStreamsInfo(r); err != nil {
				return err
			}
		case idFilesInfo:
			if files, err = parseFilesInfo(r); err != nil {
				return err
			}
		default:
			return errHeader("unexpected property 0x%x in header", id)
		}
	}
}

func skipArchiveProperties(r *byteReader) error {
	for {
		id, err := r.number()
		if err != nil {
			return err
		}
		if id == idEnd {
			return nil
		}
		size, err := r.num()
		if err != nil {
			return err
		}
		if _, err := r.bytes(size); err != nil {
			return err
		}
	}
}

// assembleEntries maps file records onto substreams: files with a stream
// consume substreams in folder order, files without one are directories or
// empty files.
func (e *Engine) assembleEntries(files []fileRecord) error {
	seen := make(map[string]struct{})
	folderIdx, subIdx := 0, 0

	advance := func() (*folder, int, error) {
		if e.streams == nil {
			return nil, 0, errHeader("file with stream but no streams info")
		}
		for folderIdx < len(e.streams.folders) {
			f := e.streams.folders[folderIdx]
			if subIdx < f.numSubstreams {
				i := subIdx
				subIdx++
				return f, i, nil
			}
			folderIdx++
			subIdx = 0
		}
		return nil, 0, errHeader("more stream files than substreams")
	}

	for _, rec := range files {
		if rec.name == "" {
			return errHeader("file record without a name")
		}
		// Windows-built archives store backslash separators.
		name := strings.ReplaceAll(rec.name, `\`, "/")
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate entry path %q", types.ErrCorruptEntry, name)
		}
		seen[name] = struct{}{}

		if rec.emptyStream {
			e.entries = append(e.entries, types.Entry{
				Path:        name,
				IsDirectory: !rec.emptyFile,
			})
			continue
		}

		f, i, err := advance()
		if err != nil {
			return err
		}
		var offset uint64
		for j := 0; j < i; j++ {
			offset += f.subSizes[j]
		}
		e.locs[name] = entryLoc{folder: folderIdx, offset: offset}
		e.entries = append(e.entries, types.Entry{
			Path:             name,
			UncompressedSize: int64(f.subSizes[i]),
			CRC32:            f.subCRCs[i],
			HasCRC:           f.subHasCRC[i],
			Encrypted:        f.encrypted(),
		})
	}
	return nil
}

func (f *folder) encrypted() bool {
	for _, c := range f.coders {
		if c.id == codecAES256 {
			return true
		}
	}
	return false
}

// Extract serves the entry from its decoded folder, verifying the CRC.
func (e *Engine) Extract(ctx context.Context, entry types.Entry, w io.Writer) error {
	if entry.IsDirectory {
		return types.ErrDirectoryExtract
	}
	loc, ok := e.locs[entry.Path]
	if !ok {
		if entry.UncompressedSize == 0 {
			return nil // empty file, no stream behind it
		}
		return fmt.Errorf("%w: %s", types.ErrEntryNotFound, entry.Path)
	}
	if entry.Encrypted && e.password == "" {
		return fmt.Errorf("%w: %s", types.ErrPasswordRequired, entry.Path)
	}

	data, err := e.folderData(ctx, loc.folder)
	if err != nil {
		return err
	}
	end := loc.offset + uint64(entry.UncompressedSize)
	if end > uint64(len(data)) {
		return fmt.Errorf("%w: %s: substream overruns folder", types.ErrCorruptEntry, entry.Path)
	}
	payload := data[loc.offset:end]

	if entry.HasCRC && crc32.ChecksumIEEE(payload) != entry.CRC32 {
		return types.AuthOrCorrupt(entry.Encrypted, entry.Path)
	}
	_, err = w.Write(payload)
	return err
}

func (e *Engine) folderData(ctx context.Context, idx int) ([]byte, error) {
	if data, ok := e.folderCache[idx]; ok {
		return data, nil
	}
	data, err := e.decodeFolder(ctx, e.streams, idx)
	if err != nil {
		return nil, err
	}
	if e.folderCache != nil {
		e.folderCache[idx] = data
	}
	return data, nil
}

// decodeFolder runs the folder's coder chain and returns the full decoded
// payload.
func (e *Engine) decodeFolder(ctx context.Context, info *streamsInfo, idx int) ([]byte, error) {
	f := info.folders[idx]
	out, err := f.finalOut()
	if err != nil {
		return nil, err
	}
	rc, err := e.coderReader(info, f, out)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	size, err := f.unpackSize()
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if err := readFullContext(ctx, rc, data); err != nil {
		return nil, fmt.Errorf("failed to decode folder %d: %w", idx, err)
	}
	return data, nil
}

// coderReader builds the reader chain that produces the given global
// out-stream. Inputs come either from pack streams range-read off the remote
// or from another coder's output via a bind pair.
func (e *Engine) coderReader(info *streamsInfo, f *folder, out int) (io.ReadCloser, error) {
	c, inBase, outBase := f.coderAt(out)
	if c == nil {
		return nil, errHeader("no coder produces stream %d", out)
	}
	if c.numOut != 1 {
		return nil, fmt.Errorf("%w: multi-output coder 0x%x", types.ErrMethodUnsupported, c.id)
	}

	inputs := make([]io.ReadCloser, c.numIn)
	for i := range inputs {
		in := inBase + i
		if bound := f.boundOutput(in); bound >= 0 {
			rc, err := e.coderReader(info, f, bound)
			if err != nil {
				closeAll(inputs[:i])
				return nil, err
			}
			inputs[i] = rc
			continue
		}
		pack, err := f.packIndex(in)
		if err != nil {
			closeAll(inputs[:i])
			return nil, err
		}
		global := f.packStart + pack
		sr := io.NewSectionReader(e.stream, info.packOffset(global), int64(info.packSizes[global]))
		inputs[i] = io.NopCloser(sr)
	}

	if c.numIn != 1 {
		closeAll(inputs)
		return nil, fmt.Errorf("%w: multi-input coder 0x%x", types.ErrMethodUnsupported, c.id)
	}
	rc, err := e.applyCodec(*c, inputs[0], f.unpackSizes[outBase])
	if err != nil {
		closeAll(inputs)
		return nil, err
	}
	return rc, nil
}

// coderAt finds the coder owning a global out-stream index plus its in/out
// stream bases.
func (f *folder) coderAt(out int) (*coder, int, int) {
	inBase, outBase := 0, 0
	for i := range f.coders {
		c := &f.coders[i]
		if out < outBase+c.numOut {
			return c, inBase, outBase
		}
		inBase += c.numIn
		outBase += c.numOut
	}
	return nil, 0, 0
}

// boundOutput returns the out-stream bound to the given in-stream, or -1.
func (f *folder) boundOutput(in int) int {
	for _, bp := range f.bindPairs {
		if bp[0] == in {
			return bp[1]
		}
	}
	return -1
}

// packIndex returns the position of an unbound in-stream within the folder's
// pack-stream order.
func (f *folder) packIndex(in int) (int, error) {
	for i, idx := range f.packedIn {
		if idx == in {
			return i, nil
		}
	}
	return 0, errHeader("in-stream %d is neither bound nor packed", in)
}

func (e *Engine) applyCodec(c coder, in io.ReadCloser, outSize uint64) (io.ReadCloser, error) {
	switch c.id {
	case codecCopy:
		return in, nil
	case codecDelta:
		if len(c.props) != 1 {
			return nil, errHeader("delta filter needs a distance property")
		}
		return &deltaReader{src: in, state: make([]byte, int(c.props[0])+1)}, nil
	case codecLZMA:
		rc, err := decompress.LZMA(in, c.props, int64(outSize))
		if err != nil {
			in.Close()
			return nil, err
		}
		return &chainCloser{ReadCloser: rc, inner: in}, nil
	case codecLZMA2:
		if len(c.props) != 1 {
			return nil, errHeader("lzma2 needs a dictionary property")
		}
		rc, err := decompress.LZMA2(in, c.props)
		if err != nil {
			in.Close()
			return nil, err
		}
		return &chainCloser{ReadCloser: rc, inner: in}, nil
	case codecDeflate:
		return &chainCloser{ReadCloser: decompress.Flate(in), inner: in}, nil
	case codecZstd:
		rc, err := decompress.Zstd(in)
		if err != nil {
			in.Close()
			return nil, err
		}
		return &chainCloser{ReadCloser: rc, inner: in}, nil
	case codecAES256:
		rc, err := e.aesDecrypt(in, c.props, outSize)
		if err != nil {
			in.Close()
			return nil, err
		}
		return rc, nil
	default:
		in.Close()
		return nil, fmt.Errorf("%w: 7z codec 0x%x", types.ErrMethodUnsupported, c.id)
	}
}

// deltaReader undoes the delta filter: each output byte is the input byte
// plus the byte `distance` positions earlier.
type deltaReader struct {
	src   io.ReadCloser
	state []byte
	pos   int
}

func (d *deltaReader) Read(p []byte) (int, error) {
	n, err := d.src.Read(p)
	for i := 0; i < n; i++ {
		p[i] += d.state[d.pos]
		d.state[d.pos] = p[i]
		d.pos = (d.pos + 1) % len(d.state)
	}
	return n, err
}

func (d *deltaReader) Close() error { return d.src.Close() }

// chainCloser closes the decompressor and then its source.
type chainCloser struct {
	io.ReadCloser
	inner io.Closer
}

func (c *chainCloser) Close() error {
	err := c.ReadCloser.Close()
	if ierr := c.inner.Close(); err == nil {
		err = ierr
	}
	return err
}

func closeAll(closers []io.ReadCloser) {
	for _, c := range closers {
		if c != nil {
			c.Close()
		}
	}
}

func readFullContext(ctx context.Context, r io.Reader, buf []byte) error {
	const step = 128 * 1024
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + step
		if end > len(buf) {
			end = len(buf)
		}
		n, err := io.ReadFull(r, buf[off:end])
		off += n
		if err != nil {
			return err
		}
	}
	return nil
}
