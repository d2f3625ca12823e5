package types

import (
	"context"
	"io"
	"path"
	"strings"
)

// Format identifies an archive container format.
type Format string

const (
	FormatZip      Format = "zip"
	FormatRar      Format = "rar"
	FormatSevenZip Format = "7z"
	FormatTar      Format = "tar" // recognized, not supported
)

// Entry is one member of an archive listing. Entries are immutable once
// parsed from the directory metadata.
type Entry struct {
	// Path is the slash-separated path inside the archive, as declared by
	// the directory metadata. It is not validated; the extraction driver is
	// responsible for rejecting unsafe paths before writing.
	Path             string
	CompressedSize   int64
	UncompressedSize int64
	// DataOffset is the absolute offset of the entry's compressed payload
	// within the archive. For formats whose payload location requires an
	// extra header read (zip local headers), it points at the entry header
	// and the engine resolves the payload lazily.
	DataOffset  int64
	Method      uint16
	CRC32       uint32
	HasCRC      bool
	IsDirectory bool
	Encrypted   bool
}

// Name returns the base name of the entry.
func (e *Entry) Name() string {
	return path.Base(strings.TrimSuffix(e.Path, "/"))
}

// Engine is the shared capability surface of every archive variant.
//
// Construction is cheap and performs no I/O. Probe is the single point where
// structural I/O happens: it parses just enough metadata to produce the entry
// list without touching payload bytes, and it is idempotent. Extract streams
// the decompressed bytes of one entry into w, verifying the entry checksum
// when the format records one.
//
// An Engine exclusively owns its backing stream; it is not safe for
// concurrent use. Close releases the stream and any session caches.
type Engine interface {
	Format() Format
	Probe(ctx context.Context) error
	Entries() []Entry
	Extract(ctx context.Context, entry Entry, w io.Writer) error
	Close() error
}
