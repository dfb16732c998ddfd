package pagedb

import (
	"bytes"

	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// splitPage spreads the entries of the full page p, plus node inserted at
// pos, over p and a new right sibling, then pushes the first key of the
// sibling into the parent. level is p's depth, 0 for the root.
func (t *Tree) splitPage(level int, p page.Page, pos int, node page.Node) error {
	n := p.NumEntries()
	entries := make([]page.Node, 0, n+1)
	for i := 0; i < n; i++ {
		if i == pos {
			entries = append(entries, node)
		}
		nd := p.Node(i)
		entries = append(entries, bytes.Clone(nd[:nd.Size()]))
	}
	if pos == n {
		entries = append(entries, node)
	}

	leaf := p.IsLeaf()
	flags := page.FlagBranch
	if leaf {
		flags = page.FlagLeaf
	}
	split := splitIndex(entries, pos, leaf)

	right, err := t.llt.AllocatePage(1)
	if err != nil {
		return err
	}
	fillPage(p, p.Number(), flags, entries[:split], leaf)
	fillPage(right, right.Number(), flags, entries[split:], leaf)
	if leaf {
		t.state.LeafPages++
	} else {
		t.state.BranchPages++
	}
	t.touch(p.Number())
	t.structural()

	sep := bytes.Clone(entries[split].Key())
	return t.insertSeparator(level, sep, right.Number())
}

// splitIndex picks the first entry of the right page. Appending to the end of
// a leaf keeps the old page full and starts the new one with the appended
// entry only, so sequential inserts leave packed pages behind.
func splitIndex(entries []page.Node, pos int, leaf bool) int {
	n := len(entries)
	if leaf && pos == n-1 {
		return n - 1
	}

	total := 0
	for _, e := range entries {
		total += e.Size() + page.OffsetSize
	}
	idx, acc := n/2, 0
	for i, e := range entries {
		acc += e.Size() + page.OffsetSize
		if acc*2 >= total {
			idx = i + 1
			break
		}
	}

	lo, hi := 1, n-1
	if !leaf {
		// both halves of a branch need two entries
		lo, hi = 2, n-2
	}
	return min(max(idx, lo), hi)
}

// fillPage reinitializes p with entries. The first entry of a branch always
// carries the empty key.
func fillPage(p page.Page, number int64, flags page.Flags, entries []page.Node, leaf bool) {
	p.Init(number, flags)
	for i, n := range entries {
		key := n.Key()
		if i == 0 && !leaf {
			key = nil
		}
		p.CopyNode(i, key, n)
	}
}

// insertSeparator adds key -> child to the parent of the page at level,
// splitting the parent when it is full. Splitting the root grows the tree by
// one level.
func (t *Tree) insertSeparator(level int, key []byte, child int64) error {
	if level == 0 {
		root, err := t.llt.AllocatePage(1)
		if err != nil {
			return err
		}
		root.Init(root.Number(), page.FlagBranch)
		root.AddPageRefNode(0, nil, t.state.RootPage)
		root.AddPageRefNode(1, key, child)
		t.state.RootPage = root.Number()
		t.state.Depth++
		t.state.BranchPages++
		t.structural()
		return nil
	}

	c, err := t.descend(key, searchKey, level)
	if err != nil {
		return err
	}
	pn := c.pages[level-1]
	p, err := t.llt.ModifyPage(pn)
	if err != nil {
		return err
	}
	t.touch(pn)

	pos, exact := p.Search(key)
	if exact {
		return errors.Wrapf(ErrCorruption, "separator %q already in page %d", key, pn)
	}
	node := page.MakeNode(page.NodePageRef, key, 0, child)
	if p.HasSpaceFor(node.Size()) {
		p.CopyNode(pos, key, node)
		return nil
	}
	return t.splitPage(level-1, p, pos, node)
}
