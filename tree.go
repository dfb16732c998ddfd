package pagedb

import (
	"bytes"
	"encoding/binary"

	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// TreeFlags select per-tree storage modes.
type TreeFlags = page.TreeFlags

const (
	TreeLeafCompression = page.TreeLeafCompression
	TreeMultiValue      = page.TreeMultiValue
)

// NodeKind is the kind of value DirectAdd reserves.
type NodeKind int

const (
	KindData NodeKind = iota
	// KindMultiValue reserves a page.TreeStateSize slot holding the state of
	// a nested tree.
	KindMultiValue
)

// Tree is a B+Tree bound to one transaction. Page numbers are stable, so a
// modified page never forces its parents to be copied.
type Tree struct {
	llt      *LowLevelTransaction
	name     string
	state    page.TreeState
	original page.TreeState

	recent  *recentlyFound
	views   *freelru.LRU[int64, page.Page] // decompressed leaves
	scope   *DirectAddScope
	version uint64
	deleted bool
}

func openTree(llt *LowLevelTransaction, name string, state page.TreeState) *Tree {
	t := &Tree{
		llt:      llt,
		name:     name,
		state:    state,
		original: state,
	}
	if llt.env.opts.recentlyFound {
		t.recent = newRecentlyFound()
	}
	return t
}

// createTree allocates an empty root leaf.
func createTree(llt *LowLevelTransaction, flags TreeFlags) (*Tree, error) {
	root, err := llt.AllocatePage(1)
	if err != nil {
		return nil, err
	}
	root.Init(root.Number(), page.FlagLeaf)
	return openTree(llt, "", page.TreeState{
		RootPage:  root.Number(),
		Depth:     1,
		Flags:     flags,
		LeafPages: 1,
	}), nil
}

func (t *Tree) Name() string { return t.name }

// State returns the tree's current root and counters.
func (t *Tree) State() page.TreeState { return t.state }

func (t *Tree) dirty() bool { return t.state != t.original }

func (t *Tree) pageSize() int { return t.llt.PageSize() }

func (t *Tree) compressed() bool { return t.state.Flags&TreeLeafCompression != 0 }

func (t *Tree) leafLevel() int { return int(t.state.Depth) - 1 }

// touch records a content change of page pn.
func (t *Tree) touch(pn int64) {
	t.version++
	if t.recent != nil {
		t.recent.invalidate(pn)
	}
	if t.views != nil {
		t.views.Remove(pn)
	}
}

// structural records a change of the tree's shape. Every cached path is
// dropped.
func (t *Tree) structural() {
	t.version++
	if t.recent != nil {
		t.recent.clear()
	}
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > page.MaxKeySize(t.pageSize()) {
		return ErrKeyTooLarge
	}
	return nil
}

func (t *Tree) checkWrite() error {
	if err := t.llt.checkWritable(); err != nil {
		return err
	}
	if t.deleted {
		return ErrTreeNotFound
	}
	if t.scope != nil {
		return ErrDirectAddInProgress
	}
	return nil
}

// ReadResult is a value returned by Read. Bytes alias page memory and stay
// valid until the transaction writes to the tree again or ends.
type ReadResult struct {
	data []byte
}

func (r *ReadResult) Bytes() []byte { return r.data }

func (r *ReadResult) Len() int { return len(r.data) }

func (r *ReadResult) Reader() *bytes.Reader { return bytes.NewReader(r.data) }

// Int64 decodes an 8 byte value written by Increment or AddMax.
func (r *ReadResult) Int64() (int64, error) {
	if len(r.data) != 8 {
		return 0, ErrValueNotInt64
	}
	return int64(binary.LittleEndian.Uint64(r.data)), nil
}

// Read returns the value stored under key, or nil when there is none.
func (t *Tree) Read(key []byte) (*ReadResult, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	c, err := t.findPageFor(key)
	if err != nil {
		return nil, err
	}
	leaf, err := t.readLeaf(c.leaf())
	if err != nil {
		return nil, err
	}
	pos, exact := leaf.Search(key)
	if !exact {
		return nil, nil
	}
	n := leaf.Node(pos)
	if n.Flags() == page.NodeMultiValue {
		return nil, ErrMultiValueKey
	}
	data, err := t.nodeValue(n)
	if err != nil {
		return nil, err
	}
	return &ReadResult{data: data}, nil
}

// nodeValue resolves the bytes of a data or overflow node.
func (t *Tree) nodeValue(n page.Node) ([]byte, error) {
	switch n.Flags() {
	case page.NodeData, page.NodeMultiValue:
		return n.Data(), nil
	case page.NodeOverflow:
		p, err := t.llt.GetPage(n.PageNumber())
		if err != nil {
			return nil, err
		}
		if !p.IsOverflow() {
			return nil, errors.Wrapf(ErrCorruption, "node points at page %d which is not an overflow page", n.PageNumber())
		}
		return p.OverflowData(), nil
	default:
		return nil, errors.Wrapf(ErrCorruption, "unexpected %s node in leaf", n.Flags())
	}
}

// releaseValue frees the storage behind a leaf node that is being removed or
// replaced.
func (t *Tree) releaseValue(n page.Node) error {
	switch n.Flags() {
	case page.NodeOverflow:
		p, err := t.llt.GetPage(n.PageNumber())
		if err != nil {
			return err
		}
		t.state.OverflowPages -= int64(p.PageCount(t.pageSize()))
		return t.llt.FreePage(n.PageNumber())
	case page.NodeMultiValue:
		return t.nested(page.DecodeTreeState(n.Data())).drop()
	}
	return nil
}

// FirstKey returns the smallest key, or nil for an empty tree.
func (t *Tree) FirstKey() ([]byte, error) {
	return t.edgeKey(searchBeforeAll)
}

// LastKey returns the largest key, or nil for an empty tree.
func (t *Tree) LastKey() ([]byte, error) {
	return t.edgeKey(searchAfterAll)
}

func (t *Tree) edgeKey(mode searchMode) ([]byte, error) {
	c, err := t.descend(nil, mode, -1)
	if err != nil {
		return nil, err
	}
	leaf, err := t.readLeaf(c.leaf())
	if err != nil {
		return nil, err
	}
	n := leaf.NumEntries()
	if n == 0 {
		return nil, nil
	}
	if mode == searchBeforeAll {
		return leaf.Node(0).Key(), nil
	}
	return leaf.Node(n - 1).Key(), nil
}

// DirectAddScope is an open DirectAdd. The caller fills Buffer and then calls
// Close. No other write may happen on the tree while the scope is open.
type DirectAddScope struct {
	Buffer []byte

	tree   *Tree
	leaf   int64
	view   page.Page // set for compressed trees, stored on Close
	closed bool
}

// Close finishes the add. For compressed trees this packs the modified leaf,
// which can split it.
func (s *DirectAddScope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.tree.scope = nil
	if s.view != nil {
		return s.tree.storeView(s.tree.leafLevel(), s.leaf, s.view)
	}
	return nil
}

// DirectAdd reserves length bytes for the value of key and returns a scope
// whose Buffer the caller writes the value into. An existing value is
// replaced, in place when its size and storage class allow it.
func (t *Tree) DirectAdd(key []byte, length int, kind NodeKind) (*DirectAddScope, error) {
	if err := t.checkWrite(); err != nil {
		return nil, err
	}
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, errors.Errorf("negative value length %d", length)
	}

	flags := page.NodeData
	if kind == KindMultiValue {
		flags = page.NodeMultiValue
		length = page.TreeStateSize
	}
	inline := kind == KindMultiValue || page.IsInline(len(key), length, t.pageSize())

	c, err := t.findPageFor(key)
	if err != nil {
		return nil, err
	}
	if t.compressed() {
		return t.directAddView(c.leaf(), key, length, flags, inline)
	}

	pn := c.leaf()
	leaf, err := t.llt.ModifyPage(pn)
	if err != nil {
		return nil, err
	}
	t.touch(pn)
	pos, exact := leaf.Search(key)

	if exact {
		old := leaf.Node(pos)
		if buf, ok, err := t.overwrite(old, length, flags, inline); err != nil || ok {
			if err != nil {
				return nil, err
			}
			return t.openScope(buf, pn, nil), nil
		}
		if err := t.releaseValue(old); err != nil {
			return nil, err
		}
		leaf.RemoveNode(pos)
		t.state.Entries--
	}

	node, buf, err := t.newNode(key, length, flags, inline)
	if err != nil {
		return nil, err
	}
	if leaf.HasSpaceFor(node.Size()) {
		leaf.CopyNode(pos, key, node)
		if inline {
			buf = leaf.Node(pos).Data()
		}
	} else {
		if err := t.splitPage(t.leafLevel(), leaf, pos, node); err != nil {
			return nil, err
		}
		if inline {
			if buf, err = t.valueSlot(key); err != nil {
				return nil, err
			}
		}
	}
	t.state.Entries++
	return t.openScope(buf, pn, nil), nil
}

func (t *Tree) openScope(buf []byte, leaf int64, view page.Page) *DirectAddScope {
	s := &DirectAddScope{Buffer: buf, tree: t, leaf: leaf, view: view}
	t.scope = s
	return s
}

// overwrite reuses the storage of old when the new value keeps its storage
// class: same-sized inline values are rewritten in place and overflow runs are
// resized without moving.
func (t *Tree) overwrite(old page.Node, length int, flags page.NodeFlags, inline bool) ([]byte, bool, error) {
	if inline {
		if old.Flags() == flags && old.DataSize() == length {
			return old.Data(), true, nil
		}
		return nil, false, nil
	}
	if old.Flags() != page.NodeOverflow {
		return nil, false, nil
	}

	pn := old.PageNumber()
	ov, err := t.llt.ModifyPage(pn)
	if err != nil {
		return nil, false, err
	}
	ps := t.pageSize()
	oldCount := ov.PageCount(ps)
	newCount := page.OverflowPages(length, ps)
	switch {
	case newCount == oldCount:
		ov.SetOverflowSize(length)
	case newCount < oldCount:
		if err := t.llt.ShrinkOverflowPage(pn, length); err != nil {
			return nil, false, err
		}
		t.state.OverflowPages -= int64(oldCount - newCount)
		if ov, err = t.llt.GetPage(pn); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, nil
	}
	t.version++
	return ov.OverflowData(), true, nil
}

// newNode builds the leaf node for a value of length bytes. Values too large
// to be inline get an overflow run whose data slot is returned.
func (t *Tree) newNode(key []byte, length int, flags page.NodeFlags, inline bool) (page.Node, []byte, error) {
	if inline {
		return page.MakeNode(flags, key, length, 0), nil, nil
	}
	count := page.OverflowPages(length, t.pageSize())
	ov, err := t.llt.AllocatePage(count)
	if err != nil {
		return nil, nil, err
	}
	ov.InitOverflow(ov.Number(), length)
	t.state.OverflowPages += int64(count)
	return page.MakeNode(page.NodeOverflow, key, 0, ov.Number()), ov.OverflowData(), nil
}

// valueSlot returns the writable inline value of key after a split moved it.
func (t *Tree) valueSlot(key []byte) ([]byte, error) {
	c, err := t.findPageFor(key)
	if err != nil {
		return nil, err
	}
	leaf, err := t.llt.ModifyPage(c.leaf())
	if err != nil {
		return nil, err
	}
	pos, exact := leaf.Search(key)
	if !exact {
		return nil, errors.Wrapf(ErrCorruption, "key %q missing after split", key)
	}
	return leaf.Node(pos).Data(), nil
}

// Add stores value under key.
func (t *Tree) Add(key, value []byte) error {
	s, err := t.DirectAdd(key, len(value), KindData)
	if err != nil {
		return err
	}
	copy(s.Buffer, value)
	return s.Close()
}

// Delete removes key. A missing key is not an error.
func (t *Tree) Delete(key []byte) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	c, err := t.findPageFor(key)
	if err != nil {
		return err
	}
	pn := c.leaf()
	cur, err := t.readLeaf(pn)
	if err != nil {
		return err
	}
	pos, exact := cur.Search(key)
	if !exact {
		return nil
	}
	if err := t.releaseValue(cur.Node(pos)); err != nil {
		return err
	}

	if t.compressed() {
		view := t.editView(pn, cur)
		view.RemoveNode(pos)
		if err := t.storeView(t.leafLevel(), pn, view); err != nil {
			return err
		}
		// storing may have split the leaf
		if c, err = t.findPageFor(key); err != nil {
			return err
		}
	} else {
		leaf, err := t.llt.ModifyPage(pn)
		if err != nil {
			return err
		}
		leaf.RemoveNode(pos)
		t.touch(pn)
	}
	t.state.Entries--
	return t.rebalance(c)
}

// Increment adds delta to the 8 byte integer stored under key, treating a
// missing key as zero, and returns the new value.
func (t *Tree) Increment(key []byte, delta int64) (int64, error) {
	cur, err := t.readInt64(key)
	if err != nil {
		return 0, err
	}
	return cur + delta, t.putInt64(key, cur+delta)
}

// AddMax stores value under key unless a larger value is already there. It
// returns the value stored afterwards.
func (t *Tree) AddMax(key []byte, value int64) (int64, error) {
	r, err := t.Read(key)
	if err != nil {
		return 0, err
	}
	if r != nil {
		cur, err := r.Int64()
		if err != nil {
			return 0, err
		}
		if cur >= value {
			return cur, nil
		}
	}
	return value, t.putInt64(key, value)
}

func (t *Tree) readInt64(key []byte) (int64, error) {
	r, err := t.Read(key)
	if err != nil || r == nil {
		return 0, err
	}
	return r.Int64()
}

func (t *Tree) putInt64(key []byte, v int64) error {
	s, err := t.DirectAdd(key, 8, KindData)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s.Buffer, uint64(v))
	return s.Close()
}

// drop frees every page of the tree.
func (t *Tree) drop() error {
	var heads []int64
	if err := t.walk(func(pn int64, _ int) error {
		heads = append(heads, pn)
		return nil
	}); err != nil {
		return err
	}
	for _, pn := range heads {
		if err := t.llt.FreePage(pn); err != nil {
			return err
		}
	}
	t.state = page.TreeState{RootPage: -1, Flags: t.state.Flags}
	t.structural()
	return nil
}
