package sevenzip

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/sirrobot01/dlextract/pkg/archive/types"
)

// 7z property IDs
const (
	idEnd               = 0x00
	idHeader            = 0x01
	idArchiveProperties = 0x02
	idMainStreamsInfo   = 0x04
	idFilesInfo         = 0x05
	idPackInfo          = 0x06
	idUnpackInfo        = 0x07
	idSubStreamsInfo    = 0x08
	idSize              = 0x09
	idCRC               = 0x0A
	idFolder            = 0x0B
	idCodersUnpackSize  = 0x0C
	idNumUnpackStream   = 0x0D
	idEmptyStream       = 0x0E
	idEmptyFile         = 0x0F
	idName              = 0x11
	idEncodedHeader     = 0x17
	idDummy             = 0x19
)

// Codec IDs (big-endian packing of the coder ID bytes)
const (
	codecCopy    = 0x00
	codecDelta   = 0x03
	codecLZMA2   = 0x21
	codecLZMA    = 0x030101
	codecDeflate = 0x040108
	codecBzip2   = 0x040202
	codecZstd    = 0x04F71101
	codecAES256  = 0x06F10701
)

func errHeader(format string, args ...interface{}) error {
	return fmt.Errorf("%w: 7z header: %s", types.ErrCorruptEntry, fmt.Sprintf(format, args...))
}

// byteReader walks a fully buffered header block.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errHeader("unexpected end at %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, errHeader("unexpected end reading %d bytes at %d", n, r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// number decodes the 7z variable-length integer.
func (r *byteReader) number() (uint64, error) {
	first, err := r.byte()
	if err != nil {
		return 0, err
	}
	mask := byte(0x80)
	var value uint64
	for i := 0; i < 8; i++ {
		if first&mask == 0 {
			value |= uint64(first&(mask-1)) << (8 * i)
			return value, nil
		}
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b) << (8 * i)
		mask >>= 1
	}
	return value, nil
}

func (r *byteReader) num() (int, error) {
	v, err := r.number()
	if err != nil {
		return 0, err
	}
	if v > 1<<31 {
		return 0, errHeader("implausible count %d", v)
	}
	return int(v), nil
}

// bitVector reads n bits, most significant bit first.
func (r *byteReader) bitVector(n int) ([]bool, error) {
	data, err := r.bytes((n + 7) / 8)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, n)
	for i := 0; i < n; i++ {
		bits[i] = data[i/8]&(0x80>>(i%8)) != 0
	}
	return bits, nil
}

// optionalBitVector reads an all-defined flag byte then, if clear, a bit
// vector of n entries.
func (r *byteReader) optionalBitVector(n int) ([]bool, error) {
	all, err := r.byte()
	if err != nil {
		return nil, err
	}
	if all != 0 {
		bits := make([]bool, n)
		for i := range bits {
			bits[i] = true
		}
		return bits, nil
	}
	return r.bitVector(n)
}

type coder struct {
	id     uint64
	numIn  int
	numOut int
	props  []byte
}

type folder struct {
	coders      []coder
	bindPairs   [][2]int // [inIndex, outIndex], global per folder
	packedIn    []int    // global in-stream indexes fed by pack streams, in pack order
	unpackSizes []uint64 // one per global out-stream
	crc         uint32
	hasCRC      bool

	// filled from SubStreamsInfo
	numSubstreams int
	subSizes      []uint64
	subCRCs       []uint32
	subHasCRC     []bool

	packStart int // index of this folder's first pack stream
}

func (f *folder) totalOut() int {
	n := 0
	for _, c := range f.coders {
		n += c.numOut
	}
	return n
}

func (f *folder) totalIn() int {
	n := 0
	for _, c := range f.coders {
		n += c.numIn
	}
	return n
}

// finalOut returns the global out-stream index not consumed by a bind pair:
// the folder's overall output.
func (f *folder) finalOut() (int, error) {
	for out := 0; out < f.totalOut(); out++ {
		used := false
		for _, bp := range f.bindPairs {
			if bp[1] == out {
				used = true
				break
			}
		}
		if !used {
			return out, nil
		}
	}
	return 0, errHeader("folder has no unbound output stream")
}

// unpackSize is the size of the folder's final output.
func (f *folder) unpackSize() (uint64, error) {
	out, err := f.finalOut()
	if err != nil {
		return 0, err
	}
	if out >= len(f.unpackSizes) {
		return 0, errHeader("missing unpack size for stream %d", out)
	}
	return f.unpackSizes[out], nil
}

type streamsInfo struct {
	packPos   uint64
	packSizes []uint64
	folders   []*folder
}

type fileRecord struct {
	name        string
	emptyStream bool
	emptyFile   bool
}

func parseStreamsInfo(r *byteReader) (*streamsInfo, error) {
	info := &streamsInfo{}
	for {
		id, err := r.number()
		if err != nil {
			return nil, err
		}
		switch id {
		case idEnd:
			info.assignPackStarts()
			if err := info.defaultSubstreams(); err != nil {
				return nil, err
			}
			return info, nil
		case idPackInfo:
			if err := parsePackInfo(r, info); err != nil {
				return nil, err
			}
		case idUnpackInfo:
			if err := parseUnpackInfo(r, info); err != nil {
				return nil, err
			}
		case idSubStreamsInfo:
			if err := parseSubStreamsInfo(r, info); err != nil {
				return nil, err
			}
		default:
			return nil, errHeader("unexpected property 0x%x in streams info", id)
		}
	}
}

func parsePackInfo(r *byteReader, info *streamsInfo) error {
	var err error
	if info.packPos, err = r.number(); err != nil {
		return err
	}
	numPack, err := r.num()
	if err != nil {
		return err
	}
	for {
		id, err := r.number()
		if err != nil {
			return err
		}
		switch id {
		case idEnd:
			return nil
		case idSize:
			info.packSizes = make([]uint64, numPack)
			for i := range info.packSizes {
				if info.packSizes[i], err = r.number(); err != nil {
					return err
				}
			}
		case idCRC:
			if err := skipDigests(r, numPack); err != nil {
				return err
			}
		default:
			return errHeader("unexpected property 0x%x in pack info", id)
		}
	}
}

func parseUnpackInfo(r *byteReader, info *streamsInfo) error {
	id, err := r.number()
	if err != nil {
		return err
	}
	if id != idFolder {
		return errHeader("expected folder property, got 0x%x", id)
	}
	numFolders, err := r.num()
	if err != nil {
		return err
	}
	external, err := r.byte()
	if err != nil {
		return err
	}
	if external != 0 {
		return errHeader("external folder definitions not supported")
	}

	info.folders = make([]*folder, numFolders)
	for i := range info.folders {
		f, err := parseFolder(r)
		if err != nil {
			return err
		}
		info.folders[i] = f
	}

	id, err = r.number()
	if err != nil {
		return err
	}
	if id != idCodersUnpackSize {
		return errHeader("expected coders-unpack-size, got 0x%x", id)
	}
	for _, f := range info.folders {
		f.unpackSizes = make([]uint64, f.totalOut())
		for j := range f.unpackSizes {
			if f.unpackSizes[j], err = r.number(); err != nil {
				return err
			}
		}
	}

	for {
		id, err := r.number()
		if err != nil {
			return err
		}
		switch id {
		case idEnd:
			return nil
		case idCRC:
			defined, err := r.optionalBitVector(len(info.folders))
			if err != nil {
				return err
			}
			for i, f := range info.folders {
				if defined[i] {
					if f.crc, err = r.uint32(); err != nil {
						return err
					}
					f.hasCRC = true
				}
			}
		default:
			return errHeader("unexpected property 0x%x in unpack info", id)
		}
	}
}

func parseFolder(r *byteReader) (*folder, error) {
	numCoders, err := r.num()
	if err != nil {
		return nil, err
	}
	if numCoders == 0 || numCoders > 32 {
		return nil, errHeader("implausible coder count %d", numCoders)
	}
	f := &folder{coders: make([]coder, numCoders)}

	for i := range f.coders {
		flags, err := r.byte()
		if err != nil {
			return nil, err
		}
		idSize := int(flags & 0x0F)
		idBytes, err := r.bytes(idSize)
		if err != nil {
			return nil, err
		}
		var id uint64
		for _, b := range idBytes {
			id = id<<8 | uint64(b)
		}
		c := coder{id: id, numIn: 1, numOut: 1}
		if flags&0x10 != 0 { // complex coder
			if c.numIn, err = r.num(); err != nil {
				return nil, err
			}
			if c.numOut, err = r.num(); err != nil {
				return nil, err
			}
		}
		if flags&0x20 != 0 { // attributes
			propSize, err := r.num()
			if err != nil {
				return nil, err
			}
			if c.props, err = r.bytes(propSize); err != nil {
				return nil, err
			}
		}
		f.coders[i] = c
	}

	numBindPairs := f.totalOut() - 1
	f.bindPairs = make([][2]int, numBindPairs)
	for i := range f.bindPairs {
		in, err := r.num()
		if err != nil {
			return nil, err
		}
		out, err := r.num()
		if err != nil {
			return nil, err
		}
		f.bindPairs[i] = [2]int{in, out}
	}

	numPacked := f.totalIn() - numBindPairs
	if numPacked == 1 {
		// The single packed stream feeds the one unbound input.
		for in := 0; in < f.totalIn(); in++ {
			bound := false
			for _, bp := range f.bindPairs {
				if bp[0] == in {
					bound = true
					break
				}
			}
			if !bound {
				f.packedIn = []int{in}
				break
			}
		}
		if len(f.packedIn) != 1 {
			return nil, errHeader("folder has no unbound input stream")
		}
	} else {
		f.packedIn = make([]int, numPacked)
		for i := range f.packedIn {
			idx, err := r.num()
			if err != nil {
				return nil, err
			}
			f.packedIn[i] = idx
		}
	}
	return f, nil
}

func parseSubStreamsInfo(r *byteReader, info *streamsInfo) error {
	for _, f := range info.folders {
		f.numSubstreams = 1
	}

	id, err := r.number()
	if err != nil {
		return err
	}
	if id == idNumUnpackStream {
		for _, f := range info.folders {
			if f.numSubstreams, err = r.num(); err != nil {
				return err
			}
		}
		if id, err = r.number(); err != nil {
			return err
		}
	}

	// Sizes: all but the last substream of each folder are explicit; the
	// last is the remainder of the folder's unpack size.
	for _, f := range info.folders {
		f.subSizes = make([]uint64, f.numSubstreams)
		if f.numSubstreams == 0 {
			continue
		}
		total, err := f.unpackSize()
		if err != nil {
			return err
		}
		var sum uint64
		for i := 0; i < f.numSubstreams-1; i++ {
			if id != idSize {
				return errHeader("folder with %d substreams but no size property", f.numSubstreams)
			}
			if f.subSizes[i], err = r.number(); err != nil {
				return err
			}
			sum += f.subSizes[i]
		}
		if sum > total {
			return errHeader("substream sizes exceed folder size")
		}
		f.subSizes[f.numSubstreams-1] = total - sum
	}
	if id == idSize {
		if id, err = r.number(); err != nil {
			return err
		}
	}

	// Digests cover substreams that don't inherit a folder-level CRC.
	needDigest := 0
	for _, f := range info.folders {
		if f.numSubstreams == 1 && f.hasCRC {
			continue
		}
		needDigest += f.numSubstreams
	}
	if id == idCRC {
		defined, err := r.optionalBitVector(needDigest)
		if err != nil {
			return err
		}
		digests := make([]uint32, needDigest)
		for i := range digests {
			if defined[i] {
				if digests[i], err = r.uint32(); err != nil {
					return err
				}
			}
		}
		k := 0
		for _, f := range info.folders {
			f.subCRCs = make([]uint32, f.numSubstreams)
			f.subHasCRC = make([]bool, f.numSubstreams)
			if f.numSubstreams == 1 && f.hasCRC {
				f.subCRCs[0] = f.crc
				f.subHasCRC[0] = true
				continue
			}
			for i := 0; i < f.numSubstreams; i++ {
				f.subCRCs[i] = digests[k]
				f.subHasCRC[i] = defined[k]
				k++
			}
		}
		if id, err = r.number(); err != nil {
			return err
		}
	} else {
		for _, f := range info.folders {
			f.subCRCs = make([]uint32, f.numSubstreams)
			f.subHasCRC = make([]bool, f.numSubstreams)
			if f.numSubstreams == 1 && f.hasCRC {
				f.subCRCs[0] = f.crc
				f.subHasCRC[0] = true
			}
		}
	}

	if id != idEnd {
		return errHeader("unexpected property 0x%x in substreams info", id)
	}
	return nil
}

func skipDigests(r *byteReader, n int) error {
	defined, err := r.optionalBitVector(n)
	if err != nil {
		return err
	}
	for _, d := range defined {
		if d {
			if _, err := r.uint32(); err != nil {
				return err
			}
		}
	}
	return nil
}

// defaultSubstreams fills folders left untouched by SubStreamsInfo: one
// substream spanning the whole folder, inheriting the folder CRC.
func (info *streamsInfo) defaultSubstreams() error {
	for _, f := range info.folders {
		if f.subSizes != nil {
			continue
		}
		size, err := f.unpackSize()
		if err != nil {
			return err
		}
		f.numSubstreams = 1
		f.subSizes = []uint64{size}
		f.subCRCs = []uint32{f.crc}
		f.subHasCRC = []bool{f.hasCRC}
	}
	return nil
}

// assignPackStarts records each folder's first pack-stream index; a folder
// consumes one pack stream per packed input.
func (info *streamsInfo) assignPackStarts() {
	next := 0
	for _, f := range info.folders {
		f.packStart = next
		next += len(f.packedIn)
	}
}

// packOffset returns the absolute archive offset of pack stream i.
func (info *streamsInfo) packOffset(i int) int64 {
	off := int64(signatureHeaderLen) + int64(info.packPos)
	for j := 0; j < i; j++ {
		off += int64(info.packSizes[j])
	}
	return off
}

func parseFilesInfo(r *byteReader) ([]fileRecord, error) {
	numFiles, err := r.num()
	if err != nil {
		return nil, err
	}
	files := make([]fileRecord, numFiles)

	numEmptyStreams := 0
	for {
		id, err := r.number()
		if err != nil {
			return nil, err
		}
		if id == idEnd {
			return files, nil
		}
		size, err := r.num()
		if err != nil {
			return nil, err
		}
		end := r.pos + size

		switch id {
		case idEmptyStream:
			bits, err := r.bitVector(numFiles)
			if err != nil {
				return nil, err
			}
			for i, b := range bits {
				files[i].emptyStream = b
				if b {
					numEmptyStreams++
				}
			}
		case idEmptyFile:
			bits, err := r.bitVector(numEmptyStreams)
			if err != nil {
				return nil, err
			}
			k := 0
			for i := range files {
				if files[i].emptyStream {
					files[i].emptyFile = bits[k]
					k++
				}
			}
		case idName:
			external, err := r.byte()
			if err != nil {
				return nil, err
			}
			if external != 0 {
				return nil, errHeader("external names not supported")
			}
			data, err := r.bytes(end - r.pos)
			if err != nil {
				return nil, err
			}
			names, err := splitNames(data, numFiles)
			if err != nil {
				return nil, err
			}
			for i := range files {
				files[i].name = names[i]
			}
		}

		if r.pos > end {
			return nil, errHeader("property 0x%x overran its size", id)
		}
		r.pos = end
	}
}

// splitNames decodes numFiles null-terminated UTF-16LE names.
func splitNames(data []byte, numFiles int) ([]string, error) {
	if len(data)%2 != 0 {
		return nil, errHeader("odd name data length")
	}
	u16 := make([]uint16, len(data)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	names := make([]string, 0, numFiles)
	start := 0
	for i, c := range u16 {
		if c == 0 {
			names = append(names, string(utf16.Decode(u16[start:i])))
			start = i + 1
		}
	}
	if len(names) != numFiles {
		return nil, errHeader("expected %d names, got %d", numFiles, len(names))
	}
	return names, nil
}
