package page

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// NodeHeaderSize is the fixed part of every node:
// [Flags:1][Reserved:1][KeySize:2][DataSize:4 | PageNumber:8]
const NodeHeaderSize = 12

// NodeFlags identify the kind of a node.
type NodeFlags uint8

const (
	NodeData NodeFlags = 1 + iota
	NodePageRef
	NodeOverflow
	NodeMultiValue
)

func (f NodeFlags) String() string {
	switch f {
	case NodeData:
		return "data"
	case NodePageRef:
		return "page-ref"
	case NodeOverflow:
		return "overflow"
	case NodeMultiValue:
		return "multi-value"
	default:
		return "unknown"
	}
}

// Node is a view starting at a node's header.
type Node []byte

func (n Node) Flags() NodeFlags { return NodeFlags(n[0]) }

func (n Node) KeySize() int { return int(binary.LittleEndian.Uint16(n[2:])) }

func (n Node) Key() []byte { return n[NodeHeaderSize : NodeHeaderSize+n.KeySize()] }

// DataSize is only meaningful for data and multi-value nodes.
func (n Node) DataSize() int { return int(int32(binary.LittleEndian.Uint32(n[4:]))) }

func (n Node) setDataSize(size int) { binary.LittleEndian.PutUint32(n[4:], uint32(int32(size))) }

// PageNumber is only meaningful for page-ref and overflow nodes.
func (n Node) PageNumber() int64 { return int64(binary.LittleEndian.Uint64(n[4:])) }

func (n Node) SetPageNumber(pn int64) { binary.LittleEndian.PutUint64(n[4:], uint64(pn)) }

// Data returns the inline value of a data or multi-value node.
func (n Node) Data() []byte {
	start := NodeHeaderSize + n.KeySize()
	return n[start : start+n.DataSize()]
}

// Size is the number of bytes the node occupies in the page body.
func (n Node) Size() int {
	size := NodeHeaderSize + n.KeySize()
	switch n.Flags() {
	case NodeData, NodeMultiValue:
		size += n.DataSize()
	}
	return size
}

// MakeNode builds a detached node. dataLen sizes the zeroed value of data and
// multi-value nodes, pn is stored for page-ref and overflow nodes.
func MakeNode(flags NodeFlags, key []byte, dataLen int, pn int64) Node {
	inline := flags == NodeData || flags == NodeMultiValue
	if !inline {
		dataLen = 0
	}
	n := make(Node, NodeSize(len(key), dataLen))
	n[0] = byte(flags)
	binary.LittleEndian.PutUint16(n[2:], uint16(len(key)))
	copy(n[NodeHeaderSize:], key)
	if inline {
		n.setDataSize(dataLen)
	} else {
		n.SetPageNumber(pn)
	}
	return n
}

// NodeSize returns the body size of a node holding key and dataLen inline
// bytes.
func NodeSize(keyLen, dataLen int) int {
	return NodeHeaderSize + keyLen + dataLen
}

// MaxNodeSize guarantees at least four nodes per page.
func MaxNodeSize(pageSize int) int {
	return (pageSize-HeaderSize)/4 - OffsetSize
}

// MaxKeySize leaves room for a nested tree state next to the key.
func MaxKeySize(pageSize int) int {
	return MaxNodeSize(pageSize) - NodeHeaderSize - TreeStateSize
}

// IsInline reports whether a value of dataLen bytes is stored inside the leaf.
func IsInline(keyLen, dataLen, pageSize int) bool {
	return NodeSize(keyLen, dataLen) <= MaxNodeSize(pageSize)
}

func (p Page) NumEntries() int {
	return (p.Lower() - HeaderSize) / OffsetSize
}

func (p Page) offset(i int) int {
	return int(binary.LittleEndian.Uint16(p[HeaderSize+i*OffsetSize:]))
}

func (p Page) setOffset(i, off int) {
	binary.LittleEndian.PutUint16(p[HeaderSize+i*OffsetSize:], uint16(off))
}

func (p Page) Node(i int) Node {
	return Node(p[p.offset(i):])
}

// SizeLeft is the contiguous gap between the offsets and the node bodies.
func (p Page) SizeLeft() int {
	return p.Upper() - p.Lower()
}

// SizeUsed counts header, offsets and live node bodies, ignoring holes.
func (p Page) SizeUsed() int {
	used := HeaderSize
	for i, n := 0, p.NumEntries(); i < n; i++ {
		used += p.Node(i).Size() + OffsetSize
	}
	return used
}

// Free is the space available after a defrag.
func (p Page) Free() int {
	return len(p) - p.SizeUsed()
}

// HasSpaceFor reports whether a node body of size bytes fits, possibly after
// a defrag.
func (p Page) HasSpaceFor(size int) bool {
	return p.Free() >= size+OffsetSize
}

// Defrag packs all node bodies against the end of the page.
func (p Page) Defrag() {
	src := Page(bytes.Clone(p))
	upper := len(p)
	for i, n := 0, src.NumEntries(); i < n; i++ {
		node := src.Node(i)
		size := node.Size()
		upper -= size
		copy(p[upper:], node[:size])
		p.setOffset(i, upper)
	}
	p.setUpper(upper)
	clear(p[p.Lower():upper])
}

func (p Page) insertNode(i int, key []byte, flags NodeFlags, dataLen int) Node {
	size := NodeSize(len(key), dataLen)
	if p.SizeLeft() < size+OffsetSize {
		p.Defrag()
	}
	lower := p.Lower()
	upper := p.Upper() - size
	at := HeaderSize + i*OffsetSize
	copy(p[at+OffsetSize:lower+OffsetSize], p[at:lower])
	p.setOffset(i, upper)
	p.setLower(lower + OffsetSize)
	p.setUpper(upper)

	node := Node(p[upper : upper+size])
	clear(node[:NodeHeaderSize])
	node[0] = byte(flags)
	binary.LittleEndian.PutUint16(node[2:], uint16(len(key)))
	copy(node[NodeHeaderSize:], key)
	return node
}

// AddDataNode inserts a data node at position i and returns the value slot
// for the caller to fill.
func (p Page) AddDataNode(i int, key []byte, dataLen int) []byte {
	node := p.insertNode(i, key, NodeData, dataLen)
	node.setDataSize(dataLen)
	return node[NodeHeaderSize+len(key):]
}

func (p Page) AddPageRefNode(i int, key []byte, child int64) {
	p.insertNode(i, key, NodePageRef, 0).SetPageNumber(child)
}

// CopyNode inserts a byte-for-byte copy of n at position i, replacing its key.
func (p Page) CopyNode(i int, key []byte, n Node) {
	switch f := n.Flags(); f {
	case NodeData, NodeMultiValue:
		node := p.insertNode(i, key, f, n.DataSize())
		node.setDataSize(n.DataSize())
		copy(node[NodeHeaderSize+len(key):], n.Data())
	default:
		p.insertNode(i, key, f, 0).SetPageNumber(n.PageNumber())
	}
}

// RemoveNode drops the node at position i. Its body becomes a hole unless it
// sits at Upper.
func (p Page) RemoveNode(i int) {
	off := p.offset(i)
	size := p.Node(i).Size()
	lower := p.Lower()
	at := HeaderSize + i*OffsetSize
	copy(p[at:lower-OffsetSize], p[at+OffsetSize:lower])
	p.setLower(lower - OffsetSize)
	if off == p.Upper() {
		p.setUpper(off + size)
	}
}

// Search returns the position of the first node whose key is >= key and
// whether that node matches exactly. The empty key of a branch's first entry
// sorts before every key.
func (p Page) Search(key []byte) (int, bool) {
	n := p.NumEntries()
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(p.Node(i).Key(), key) >= 0
	})
	return i, i < n && bytes.Equal(p.Node(i).Key(), key)
}
