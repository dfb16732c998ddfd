package pagedb

import (
	"bytes"

	"pagedb/internal/page"
)

// rebalance walks the path of a delete bottom-up. Empty pages are unlinked,
// underfull pages are merged into a sibling when the result fits, and a
// branch left with a single child borrows one from a sibling. The walk stops
// at the first level that did not change its parent.
func (t *Tree) rebalance(c *cursor) error {
	for level := len(c.pages) - 1; level > 0; level-- {
		changed, err := t.rebalancePage(c, level)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}
	return t.collapseRoot()
}

// rebalancePage reports whether the parent of the page at level lost an entry.
func (t *Tree) rebalancePage(c *cursor, level int) (bool, error) {
	pn := c.pages[level]
	p, err := t.logicalPage(pn)
	if err != nil {
		return false, err
	}
	parentPN, idx := c.pages[level-1], c.pos[level-1]
	n := p.NumEntries()

	if n == 0 {
		if err := t.removeChild(parentPN, idx); err != nil {
			return false, err
		}
		return true, t.freeTreePage(pn, p.IsLeaf())
	}

	underfull, err := t.underfull(pn)
	if err != nil {
		return false, err
	}
	if !underfull && (p.IsLeaf() || n >= 2) {
		return false, nil
	}

	parent, err := t.llt.GetPage(parentPN)
	if err != nil {
		return false, err
	}
	if parent.NumEntries() < 2 {
		return false, nil
	}
	li, ri := idx-1, idx
	if idx == 0 {
		li, ri = 0, 1
	}
	left, right := parent.Node(li).PageNumber(), parent.Node(ri).PageNumber()
	sep := bytes.Clone(parent.Node(ri).Key())

	merged, err := t.merge(left, right, sep)
	if err != nil || merged {
		if err != nil {
			return false, err
		}
		if err := t.removeChild(parentPN, ri); err != nil {
			return false, err
		}
		return true, t.freeTreePage(right, p.IsLeaf())
	}

	if p.IsBranch() && n < 2 {
		return false, t.borrow(level, pn, parentPN, idx)
	}
	return false, nil
}

func (t *Tree) freeTreePage(pn int64, leaf bool) error {
	if leaf {
		t.state.LeafPages--
	} else {
		t.state.BranchPages--
	}
	t.touch(pn)
	t.structural()
	return t.llt.FreePage(pn)
}

// logicalPage returns a page with its entries readable, decompressing leaves
// when needed.
func (t *Tree) logicalPage(pn int64) (page.Page, error) {
	p, err := t.llt.GetPage(pn)
	if err != nil {
		return nil, err
	}
	if p.IsLeaf() {
		return t.readLeaf(pn)
	}
	return p, nil
}

// underfull measures the stored page, so a compressed leaf counts with its
// compressed size.
func (t *Tree) underfull(pn int64) (bool, error) {
	p, err := t.llt.GetPage(pn)
	if err != nil {
		return false, err
	}
	used := page.HeaderSize + p.CompressedSize()
	if !p.IsCompressed() {
		used = p.SizeUsed()
	}
	return used < t.pageSize()/4, nil
}

// removeChild unlinks entry idx of a branch. Removing the first entry makes
// the next child take over the empty key.
func (t *Tree) removeChild(pn int64, idx int) error {
	p, err := t.llt.ModifyPage(pn)
	if err != nil {
		return err
	}
	t.touch(pn)
	t.structural()
	if idx == 0 && p.NumEntries() > 1 {
		next := p.Node(1)
		next = bytes.Clone(next[:next.Size()])
		p.RemoveNode(0)
		p.RemoveNode(0)
		p.CopyNode(0, nil, next)
		return nil
	}
	p.RemoveNode(idx)
	return nil
}

// merge moves every entry of right into left when they fit one page. sep is
// the parent's separator for right and becomes the key of right's first
// branch entry.
func (t *Tree) merge(left, right int64, sep []byte) (bool, error) {
	lp, err := t.logicalPage(left)
	if err != nil {
		return false, err
	}
	rp, err := t.logicalPage(right)
	if err != nil {
		return false, err
	}

	if lp.IsLeaf() && t.compressed() {
		view := newView(left)
		appendNodes(view, lp, nil)
		if !appendNodes(view, rp, nil) {
			return false, nil
		}
		packed, ok := t.packLeaf(left, view)
		if !ok {
			return false, nil
		}
		dst, err := t.llt.ModifyPage(left)
		if err != nil {
			return false, err
		}
		copy(dst, packed)
		t.touch(left)
		return true, nil
	}

	need := lp.SizeUsed() + rp.SizeUsed() - page.HeaderSize
	var firstKey []byte
	if lp.IsBranch() {
		need += len(sep)
		firstKey = sep
	}
	if need > t.pageSize() {
		return false, nil
	}
	dst, err := t.llt.ModifyPage(left)
	if err != nil {
		return false, err
	}
	appendNodes(dst, rp, firstKey)
	t.touch(left)
	return true, nil
}

// appendNodes copies the entries of src to the end of dst, replacing the key
// of the first one when firstKey is set. It reports false when dst ran out of
// space.
func appendNodes(dst, src page.Page, firstKey []byte) bool {
	for i, n := 0, src.NumEntries(); i < n; i++ {
		node := src.Node(i)
		key := node.Key()
		if i == 0 && firstKey != nil {
			key = firstKey
		}
		if !dst.HasSpaceFor(page.NodeSize(len(key), node.Size()-page.NodeHeaderSize-node.KeySize())) {
			return false
		}
		dst.CopyNode(dst.NumEntries(), key, node)
	}
	return true
}

// borrow moves the adjacent entry of a sibling into the single-entry branch
// pn and replaces the separators that changed in the parent.
func (t *Tree) borrow(level int, pn, parentPN int64, idx int) error {
	parent, err := t.llt.GetPage(parentPN)
	if err != nil {
		return err
	}

	if idx > 0 {
		lpn := parent.Node(idx - 1).PageNumber()
		lp, err := t.llt.GetPage(lpn)
		if err != nil {
			return err
		}
		ln := lp.NumEntries()
		if ln < 3 {
			return nil
		}
		last := lp.Node(ln - 1)
		last = bytes.Clone(last[:last.Size()])
		oldSep := bytes.Clone(parent.Node(idx).Key())

		l, err := t.llt.ModifyPage(lpn)
		if err != nil {
			return err
		}
		l.RemoveNode(ln - 1)
		t.touch(lpn)

		x, err := t.llt.ModifyPage(pn)
		if err != nil {
			return err
		}
		first := x.Node(0)
		first = bytes.Clone(first[:first.Size()])
		x.RemoveNode(0)
		x.CopyNode(0, nil, last)
		x.CopyNode(1, oldSep, first)
		t.touch(pn)
		return t.replaceSeparator(level, parentPN, idx, last.Key(), pn)
	}

	rpn := parent.Node(1).PageNumber()
	rp, err := t.llt.GetPage(rpn)
	if err != nil {
		return err
	}
	if rp.NumEntries() < 3 {
		return nil
	}
	first, second := rp.Node(0), rp.Node(1)
	first = bytes.Clone(first[:first.Size()])
	second = bytes.Clone(second[:second.Size()])
	sepR := bytes.Clone(parent.Node(1).Key())

	r, err := t.llt.ModifyPage(rpn)
	if err != nil {
		return err
	}
	r.RemoveNode(0)
	r.RemoveNode(0)
	r.CopyNode(0, nil, second)
	t.touch(rpn)

	x, err := t.llt.ModifyPage(pn)
	if err != nil {
		return err
	}
	x.CopyNode(1, sepR, first)
	t.touch(pn)
	return t.replaceSeparator(level, parentPN, 1, second.Key(), rpn)
}

// replaceSeparator swaps the key of entry idx in the parent. The new key can
// be longer than the old one, so it goes through insertSeparator, which splits
// the parent if needed.
func (t *Tree) replaceSeparator(level int, parentPN int64, idx int, key []byte, child int64) error {
	p, err := t.llt.ModifyPage(parentPN)
	if err != nil {
		return err
	}
	p.RemoveNode(idx)
	t.touch(parentPN)
	t.structural()
	return t.insertSeparator(level, bytes.Clone(key), child)
}

// collapseRoot removes root branches with a single child.
func (t *Tree) collapseRoot() error {
	for t.state.Depth > 1 {
		root, err := t.llt.GetPage(t.state.RootPage)
		if err != nil {
			return err
		}
		switch root.NumEntries() {
		case 0:
			r, err := t.llt.ModifyPage(t.state.RootPage)
			if err != nil {
				return err
			}
			r.Init(r.Number(), page.FlagLeaf)
			t.state.Depth = 1
			t.state.BranchPages--
			t.state.LeafPages++
			t.structural()
			return nil
		case 1:
			child := root.Node(0).PageNumber()
			old := t.state.RootPage
			t.state.RootPage = child
			t.state.Depth--
			if err := t.freeTreePage(old, false); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}
