// Package decompress is the decompressor collaborator shared by the archive
// engines: it turns a compressed byte stream into a decompressed one and
// knows nothing about archive structure.
package decompress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

var ErrUnknownCodec = errors.New("unknown codec")

// Store returns r unchanged; stored entries are a passthrough.
func Store(r io.Reader) io.ReadCloser {
	return io.NopCloser(r)
}

// Flate wraps r in a raw DEFLATE decoder (zip method 8).
func Flate(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// Zstd wraps r in a zstandard decoder (zip method 93, 7z codec 04F71101).
func Zstd(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return dec.IOReadCloser(), nil
}

// LZMA decodes a raw LZMA1 stream as stored in 7z folders: props carries the
// 5-byte coder properties and size the declared uncompressed length. The
// classic .lzma header is synthesized so the generic reader can be used.
func LZMA(r io.Reader, props []byte, size int64) (io.ReadCloser, error) {
	if len(props) != 5 {
		return nil, fmt.Errorf("lzma: expected 5 property bytes, got %d", len(props))
	}
	header := make([]byte, 13)
	copy(header, props)
	binary.LittleEndian.PutUint64(header[5:], uint64(size))
	lr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), r))
	if err != nil {
		return nil, fmt.Errorf("lzma init: %w", err)
	}
	return io.NopCloser(lr), nil
}

// LZMA2 decodes a raw LZMA2 stream; props carries the single dictionary-size
// property byte.
func LZMA2(r io.Reader, props []byte) (io.ReadCloser, error) {
	if len(props) != 1 {
		return nil, fmt.Errorf("lzma2: expected 1 property byte, got %d", len(props))
	}
	dictCap, err := lzma2DictCap(props[0])
	if err != nil {
		return nil, err
	}
	cfg := lzma.Reader2Config{DictCap: dictCap}
	lr, err := cfg.NewReader2(r)
	if err != nil {
		return nil, fmt.Errorf("lzma2 init: %w", err)
	}
	return io.NopCloser(lr), nil
}

func lzma2DictCap(p byte) (int, error) {
	if p > 40 {
		return 0, fmt.Errorf("lzma2: invalid dictionary property %d", p)
	}
	if p == 40 {
		return 1<<32 - 1, nil
	}
	return (2 | int(p)&1) << (int(p)/2 + 11), nil
}
