package page

import (
	"encoding/binary"
	"errors"
)

const (
	MinSize     = 4096
	MaxSize     = 32768
	DefaultSize = 8192

	HeaderSize = 32
	OffsetSize = 2

	// MaxViewSize bounds decompressed leaf views. Offsets are uint16 so a view
	// must stay below 64KB.
	MaxViewSize = 60 * 1024

	offNumber       = 0
	offOverflowSize = 8
	offFlags        = 12
	offLower        = 14
	offUpper        = 16
	offCompressed   = 18
	offChecksum     = 24
)

// Flags describe what a page holds.
type Flags uint16

const (
	FlagSingle Flags = 1 << iota
	FlagOverflow
	FlagLeaf
	FlagBranch
	FlagCompressed
	FlagRawData
	FlagStream
	FlagFileHeader
)

var (
	ErrChecksumMismatch = errors.New("page checksum mismatch")
	ErrInvalidPageSize  = errors.New("page size must be a power of two between 4KB and 32KB")
)

// Page is a raw page buffer. Single pages are exactly one page long, overflow
// runs span OverflowPages(size) pages and decompressed leaf views may be
// larger than a page.
//
// SINGLE PAGE LAYOUT (slotted):
// ┌──────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes)                                                │
// │ PageNumber:8 OverflowSize:4 Flags:2 Lower:2 Upper:2 Compressed:2 │
// │ Reserved:4 Checksum:8                                            │
// ├──────────────────────────────────────────────────────────────────┤
// │ Offsets[0..N-1] (uint16 each, grow up to Lower)                  │
// ├──────────────────── free space ──────────────────────────────────┤
// │ Nodes (grow down from the end of the page to Upper)              │
// └──────────────────────────────────────────────────────────────────┘
//
// OVERFLOW RUN LAYOUT:
// ┌──────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes, Flags=Overflow, OverflowSize=len(value))       │
// ├──────────────────────────────────────────────────────────────────┤
// │ Raw value bytes, continuing across the following pages           │
// └──────────────────────────────────────────────────────────────────┘
type Page []byte

// ValidSize reports whether size is an acceptable page size.
func ValidSize(size int) bool {
	return size >= MinSize && size <= MaxSize && size&(size-1) == 0
}

// OverflowPages returns the number of pages needed to hold a value of size
// bytes behind a page header.
func OverflowPages(size, pageSize int) int {
	return (HeaderSize + size + pageSize - 1) / pageSize
}

func (p Page) Number() int64 {
	return int64(binary.LittleEndian.Uint64(p[offNumber:]))
}

func (p Page) SetNumber(n int64) {
	binary.LittleEndian.PutUint64(p[offNumber:], uint64(n))
}

func (p Page) OverflowSize() int {
	return int(int32(binary.LittleEndian.Uint32(p[offOverflowSize:])))
}

func (p Page) SetOverflowSize(size int) {
	binary.LittleEndian.PutUint32(p[offOverflowSize:], uint32(int32(size)))
}

func (p Page) Flags() Flags {
	return Flags(binary.LittleEndian.Uint16(p[offFlags:]))
}

func (p Page) SetFlags(f Flags) {
	binary.LittleEndian.PutUint16(p[offFlags:], uint16(f))
}

func (p Page) Lower() int {
	return int(binary.LittleEndian.Uint16(p[offLower:]))
}

func (p Page) setLower(v int) {
	binary.LittleEndian.PutUint16(p[offLower:], uint16(v))
}

func (p Page) Upper() int {
	return int(binary.LittleEndian.Uint16(p[offUpper:]))
}

func (p Page) setUpper(v int) {
	binary.LittleEndian.PutUint16(p[offUpper:], uint16(v))
}

// CompressedSize is the length of the snappy block stored after the header of
// a compressed leaf.
func (p Page) CompressedSize() int {
	return int(binary.LittleEndian.Uint16(p[offCompressed:]))
}

func (p Page) SetCompressedSize(n int) {
	binary.LittleEndian.PutUint16(p[offCompressed:], uint16(n))
}

func (p Page) Checksum() uint64 {
	return binary.LittleEndian.Uint64(p[offChecksum:])
}

func (p Page) IsLeaf() bool       { return p.Flags()&FlagLeaf != 0 }
func (p Page) IsBranch() bool     { return p.Flags()&FlagBranch != 0 }
func (p Page) IsOverflow() bool   { return p.Flags()&FlagOverflow != 0 }
func (p Page) IsCompressed() bool { return p.Flags()&FlagCompressed != 0 }

// Init resets p to an empty slotted page. len(p) is used as the page size.
func (p Page) Init(number int64, flags Flags) {
	clear(p[:HeaderSize])
	p.SetNumber(number)
	p.SetFlags(flags)
	p.setLower(HeaderSize)
	p.setUpper(len(p))
}

// InitOverflow resets p to the head of an overflow run holding size bytes.
func (p Page) InitOverflow(number int64, size int) {
	clear(p[:HeaderSize])
	p.SetNumber(number)
	p.SetFlags(FlagOverflow)
	p.SetOverflowSize(size)
}

// OverflowData returns the value bytes stored in an overflow run.
func (p Page) OverflowData() []byte {
	return p[HeaderSize : HeaderSize+p.OverflowSize()]
}

// PageCount returns how many pages the buffer starting at p occupies on disk.
func (p Page) PageCount(pageSize int) int {
	if p.IsOverflow() {
		return OverflowPages(p.OverflowSize(), pageSize)
	}
	return 1
}
