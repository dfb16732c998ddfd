package pagedb

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// Leaves of a compressed tree are edited as views: plain leaves of
// page.MaxViewSize bytes. A view is stored as a plain page when its entries
// fit one, as a snappy block behind a page header when the block fits, and
// split across several leaves otherwise.

const decompressedCacheSize = 64

func hashPageNumber(n int64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return uint32(xxhash.Sum64(b[:]))
}

func newView(number int64) page.Page {
	v := make(page.Page, page.MaxViewSize)
	v.Init(number, page.FlagLeaf)
	return v
}

func viewOf(nodes []page.Node) page.Page {
	v := newView(0)
	for i, n := range nodes {
		v.CopyNode(i, n.Key(), n)
	}
	return v
}

func cloneNodes(p page.Page) []page.Node {
	nodes := make([]page.Node, p.NumEntries())
	for i := range nodes {
		n := p.Node(i)
		nodes[i] = page.Node(append([]byte(nil), n[:n.Size()]...))
	}
	return nodes
}

// byteMiddle returns the index that splits nodes into halves of similar size.
func byteMiddle(nodes []page.Node) int {
	total := 0
	for _, n := range nodes {
		total += n.Size()
	}
	acc := 0
	for i, n := range nodes {
		acc += n.Size()
		if acc*2 >= total {
			return min(max(i+1, 1), len(nodes)-1)
		}
	}
	return len(nodes) / 2
}

// LeafPage returns leaf pn. A compressed leaf is an error unless decompress is
// set, in which case its decompressed view is returned.
func (t *Tree) LeafPage(pn int64, decompress bool) (page.Page, error) {
	p, err := t.llt.GetPage(pn)
	if err != nil {
		return nil, err
	}
	if !p.IsLeaf() {
		return nil, errors.Wrapf(ErrNotLeafPage, "page %d", pn)
	}
	if p.IsCompressed() && !decompress {
		return nil, errors.Wrapf(ErrCompressedPage, "page %d", pn)
	}
	return t.readLeaf(pn)
}

// readLeaf returns leaf pn with its entries readable.
func (t *Tree) readLeaf(pn int64) (page.Page, error) {
	p, err := t.llt.GetPage(pn)
	if err != nil {
		return nil, err
	}
	if !p.IsLeaf() {
		return nil, errors.Wrapf(ErrNotLeafPage, "page %d", pn)
	}
	if !p.IsCompressed() {
		return p, nil
	}
	if !t.compressed() {
		return nil, errors.Wrapf(ErrCompressedPage, "page %d in a tree without leaf compression", pn)
	}

	if t.views == nil {
		if t.views, err = freelru.New[int64, page.Page](decompressedCacheSize, hashPageNumber); err != nil {
			return nil, err
		}
	}
	if v, ok := t.views.Get(pn); ok {
		return v, nil
	}

	size := p.CompressedSize()
	if page.HeaderSize+size > len(p) {
		return nil, errors.Wrapf(ErrCorruption, "compressed leaf %d claims %d bytes", pn, size)
	}
	v := make(page.Page, page.MaxViewSize)
	out, err := snappy.Decode(v, p[page.HeaderSize:page.HeaderSize+size])
	if err != nil {
		return nil, errors.Wrapf(ErrCorruption, "compressed leaf %d: %v", pn, err)
	}
	if len(out) != page.MaxViewSize {
		return nil, errors.Wrapf(ErrCorruption, "compressed leaf %d decodes to %d bytes", pn, len(out))
	}
	t.views.Add(pn, v)
	return v, nil
}

// editView returns a private, writable view of leaf pn whose current content
// is cur.
func (t *Tree) editView(pn int64, cur page.Page) page.Page {
	v := newView(pn)
	if len(cur) == page.MaxViewSize {
		copy(v, cur)
	} else {
		appendNodes(v, cur, nil)
	}
	t.touch(pn)
	return v
}

// packLeaf encodes view as a single leaf numbered number. ok is false when
// the entries fit neither plain nor compressed.
func (t *Tree) packLeaf(number int64, view page.Page) (page.Page, bool) {
	ps := t.pageSize()
	p := make(page.Page, ps)
	if view.SizeUsed() <= ps {
		p.Init(number, page.FlagLeaf)
		appendNodes(p, view, nil)
		return p, true
	}
	if !t.compressed() {
		return nil, false
	}

	view.Defrag()
	view.SetNumber(number)
	block := snappy.Encode(nil, view)
	if page.HeaderSize+len(block) > ps {
		return nil, false
	}
	p.Init(number, page.FlagLeaf|page.FlagCompressed)
	p.SetCompressedSize(len(block))
	copy(p[page.HeaderSize:], block)
	return p, true
}

// storeView writes view back to leaf pn at level, splitting it when it does
// not pack into one page.
func (t *Tree) storeView(level int, pn int64, view page.Page) error {
	if packed, ok := t.packLeaf(pn, view); ok {
		dst, err := t.llt.ModifyPage(pn)
		if err != nil {
			return err
		}
		copy(dst, packed)
		t.touch(pn)
		return nil
	}
	return t.storeChunks(level, pn, t.chunkLeaf(cloneNodes(view)))
}

// chunkLeaf halves nodes until every part packs into one page.
func (t *Tree) chunkLeaf(nodes []page.Node) [][]page.Node {
	if len(nodes) <= 1 {
		return [][]page.Node{nodes}
	}
	if _, ok := t.packLeaf(0, viewOf(nodes)); ok {
		return [][]page.Node{nodes}
	}
	mid := byteMiddle(nodes)
	return append(t.chunkLeaf(nodes[:mid]), t.chunkLeaf(nodes[mid:])...)
}

// storeChunks writes the first chunk to pn and each further chunk to a new
// leaf linked into the parent. The new leaves are allocated as one run and
// then broken into single pages, so siblings sit next to each other.
func (t *Tree) storeChunks(level int, pn int64, chunks [][]page.Node) error {
	head, _ := t.packLeaf(pn, viewOf(chunks[0]))
	dst, err := t.llt.ModifyPage(pn)
	if err != nil {
		return err
	}
	copy(dst, head)
	t.touch(pn)

	extra := len(chunks) - 1
	if extra == 0 {
		return nil
	}
	run, err := t.llt.AllocatePage(extra)
	if err != nil {
		return err
	}
	first := run.Number()
	if extra > 1 {
		if err := t.llt.BreakLargeAllocationToSeparatePages(first); err != nil {
			return err
		}
	}
	for i, chunk := range chunks[1:] {
		num := first + int64(i)
		packed, _ := t.packLeaf(num, viewOf(chunk))
		p, err := t.llt.ModifyPage(num)
		if err != nil {
			return err
		}
		copy(p, packed)
	}
	t.state.LeafPages += int64(extra)
	t.structural()

	for i, chunk := range chunks[1:] {
		if err := t.insertSeparator(level, chunk[0].Key(), first+int64(i)); err != nil {
			return err
		}
	}
	return nil
}

// directAddView is DirectAdd for compressed trees. The node is added to a
// view of the leaf, which the scope stores on Close.
func (t *Tree) directAddView(pn int64, key []byte, length int, flags page.NodeFlags, inline bool) (*DirectAddScope, error) {
	cur, err := t.readLeaf(pn)
	if err != nil {
		return nil, err
	}
	view := t.editView(pn, cur)
	pos, exact := view.Search(key)

	if exact {
		old := view.Node(pos)
		if buf, ok, err := t.overwrite(old, length, flags, inline); err != nil || ok {
			if err != nil {
				return nil, err
			}
			return t.openScope(buf, pn, view), nil
		}
		if err := t.releaseValue(old); err != nil {
			return nil, err
		}
		view.RemoveNode(pos)
		t.state.Entries--
	}

	dataLen := 0
	if inline {
		dataLen = length
	}
	if !view.HasSpaceFor(page.NodeSize(len(key), dataLen)) {
		// The view itself is full: store it as two halves and retry
		// against the leaf that owns key afterwards.
		nodes := cloneNodes(view)
		mid := byteMiddle(nodes)
		chunks := append(t.chunkLeaf(nodes[:mid]), t.chunkLeaf(nodes[mid:])...)
		if err := t.storeChunks(t.leafLevel(), pn, chunks); err != nil {
			return nil, err
		}
		kind := KindData
		if flags == page.NodeMultiValue {
			kind = KindMultiValue
		}
		return t.DirectAdd(key, length, kind)
	}

	node, buf, err := t.newNode(key, length, flags, inline)
	if err != nil {
		return nil, err
	}
	view.CopyNode(pos, key, node)
	if inline {
		buf = view.Node(pos).Data()
	}
	t.state.Entries++
	return t.openScope(buf, pn, view), nil
}
