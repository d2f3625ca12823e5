// Package archive sniffs the format of a remote file and hands back the
// matching engine. Detection reads the first few bytes only; it never trusts
// the URL's file extension.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/sirrobot01/dlextract/internal/logger"
	"github.com/sirrobot01/dlextract/pkg/archive/rar"
	"github.com/sirrobot01/dlextract/pkg/archive/sevenzip"
	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"github.com/sirrobot01/dlextract/pkg/archive/zip"
	"github.com/sirrobot01/dlextract/pkg/remote"
)

// sniffLen covers every signature in the table plus the tar magic offset.
const sniffLen = 265

type signature struct {
	offset int
	magic  []byte
	format types.Format
}

// Order matters: the RAR5 marker extends the RAR3 one, so it is checked
// first. The three zip signatures cover regular, empty, and spanned
// archives.
var signatures = []signature{
	{0, []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, types.FormatRar},
	{0, []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}, types.FormatRar},
	{0, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, types.FormatSevenZip},
	{0, []byte{'P', 'K', 0x03, 0x04}, types.FormatZip},
	{0, []byte{'P', 'K', 0x05, 0x06}, types.FormatZip},
	{0, []byte{'P', 'K', 0x07, 0x08}, types.FormatZip},
	{257, []byte("ustar"), types.FormatTar},
}

// Detect sniffs the stream's leading bytes and returns the format.
func Detect(stream *remote.Stream) (types.Format, error) {
	head := make([]byte, sniffLen)
	n, err := stream.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", err
	}
	head = head[:n]

	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if end <= len(head) && bytes.Equal(head[sig.offset:end], sig.magic) {
			return sig.format, nil
		}
	}
	return "", types.ErrUnknownFormat
}

// Options configures Open.
type Options struct {
	Remote   remote.Options
	Password string
}

// Open connects to the URL, sniffs the format, and returns an engine bound
// to the stream. The engine owns the stream; closing the engine closes it.
// Tar files are recognized but have no engine, so they surface as unknown
// with a hint in the error.
func Open(ctx context.Context, url string, opts Options) (types.Engine, error) {
	stream, err := remote.Open(ctx, url, opts.Remote)
	if err != nil {
		return nil, err
	}

	format, err := Detect(stream)
	if err != nil {
		stream.Close()
		return nil, err
	}

	log := logger.New("archive")
	log.Debug().Str("url", url).Str("format", string(format)).Msg("detected format")

	switch format {
	case types.FormatZip:
		return zip.New(stream, opts.Password), nil
	case types.FormatRar:
		return rar.New(stream, opts.Password), nil
	case types.FormatSevenZip:
		return sevenzip.New(stream, opts.Password), nil
	case types.FormatTar:
		stream.Close()
		return nil, fmt.Errorf("%w: tar is recognized but not supported", types.ErrUnknownFormat)
	default:
		stream.Close()
		return nil, types.ErrUnknownFormat
	}
}
