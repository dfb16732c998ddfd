package pagedb

import (
	"bytes"

	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// walk calls fn for every page the tree owns: branches, leaves, overflow runs
// (once, with their page count) and the pages of nested multi-value trees.
func (t *Tree) walk(fn func(pn int64, count int) error) error {
	if t.state.RootPage < 0 {
		return nil
	}
	return t.walkPage(t.state.RootPage, fn)
}

func (t *Tree) walkPage(pn int64, fn func(pn int64, count int) error) error {
	p, err := t.llt.GetPage(pn)
	if err != nil {
		return err
	}
	if err := fn(pn, 1); err != nil {
		return err
	}
	if p.IsBranch() {
		for i, n := 0, p.NumEntries(); i < n; i++ {
			if err := t.walkPage(p.Node(i).PageNumber(), fn); err != nil {
				return err
			}
		}
		return nil
	}

	leaf, err := t.readLeaf(pn)
	if err != nil {
		return err
	}
	for i, n := 0, leaf.NumEntries(); i < n; i++ {
		node := leaf.Node(i)
		switch node.Flags() {
		case page.NodeOverflow:
			ov, err := t.llt.GetPage(node.PageNumber())
			if err != nil {
				return err
			}
			if err := fn(node.PageNumber(), ov.PageCount(t.pageSize())); err != nil {
				return err
			}
		case page.NodeMultiValue:
			if err := t.nested(page.DecodeTreeState(node.Data())).walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// AllPages returns the number of every page reachable from the tree,
// including overflow runs and nested trees. Overflow runs are listed by their
// first page.
func (t *Tree) AllPages() ([]int64, error) {
	var pages []int64
	err := t.walk(func(pn int64, _ int) error {
		pages = append(pages, pn)
		return nil
	})
	return pages, err
}

// reachablePages collects every page used by the root directory and the
// trees it names, overflow runs expanded.
func reachablePages(tx *LowLevelTransaction) (map[int64]struct{}, error) {
	reachable := make(map[int64]struct{})
	collect := func(pn int64, count int) error {
		for i := 0; i < count; i++ {
			reachable[pn+int64(i)] = struct{}{}
		}
		return nil
	}

	root := openTree(tx, "", tx.Root())
	if err := root.walk(collect); err != nil {
		return nil, err
	}
	it := root.Iterate(false)
	for ok := it.First(); ok; ok = it.Next() {
		v := it.Value()
		if len(v) != page.TreeStateSize {
			return nil, errors.Wrapf(ErrCorruption, "tree %q has a %d byte state", it.Key(), len(v))
		}
		if err := openTree(tx, string(it.Key()), page.DecodeTreeState(v)).walk(collect); err != nil {
			return nil, err
		}
	}
	return reachable, it.Err()
}

type validation struct {
	t        *Tree
	seen     map[int64]struct{}
	entries  int64
	leaves   int64
	branches int64
	overflow int64
}

// Validate checks the structure of the tree: every page reachable once, leaves
// all at the same depth, keys ordered and inside their separators, no empty
// non-root page, no branch with fewer than two entries, and counters matching
// the tree state. Violations are reported as ErrCorruption.
func (t *Tree) Validate() error {
	return t.validate(make(map[int64]struct{}))
}

func (t *Tree) validate(seen map[int64]struct{}) error {
	if t.state.RootPage < 0 {
		return nil
	}
	v := &validation{t: t, seen: seen}
	if err := v.page(t.state.RootPage, 0, nil, nil); err != nil {
		return err
	}

	s := t.state
	if v.entries != s.Entries || v.leaves != s.LeafPages || v.branches != s.BranchPages || v.overflow != s.OverflowPages {
		return errors.Wrapf(ErrCorruption,
			"tree %q counts entries=%d leaves=%d branches=%d overflow=%d, state says %d/%d/%d/%d",
			t.name, v.entries, v.leaves, v.branches, v.overflow,
			s.Entries, s.LeafPages, s.BranchPages, s.OverflowPages)
	}
	return nil
}

func (v *validation) mark(pn int64) error {
	if _, ok := v.seen[pn]; ok {
		return errors.Wrapf(ErrCorruption, "page %d is reachable twice", pn)
	}
	v.seen[pn] = struct{}{}
	return nil
}

func (v *validation) page(pn int64, level int, lower, upper []byte) error {
	t := v.t
	if err := v.mark(pn); err != nil {
		return err
	}
	raw, err := t.llt.GetPage(pn)
	if err != nil {
		return err
	}
	isLeaf := level == t.leafLevel()
	if isLeaf != raw.IsLeaf() || isLeaf == raw.IsBranch() {
		return errors.Wrapf(ErrCorruption, "page %d at level %d of depth %d has flags %#x", pn, level, t.state.Depth, raw.Flags())
	}

	p := raw
	if isLeaf {
		if p, err = t.readLeaf(pn); err != nil {
			return err
		}
	}
	n := p.NumEntries()
	if n == 0 && pn != t.state.RootPage {
		return errors.Wrapf(ErrCorruption, "non-root page %d is empty", pn)
	}
	if !isLeaf && n < 2 {
		return errors.Wrapf(ErrCorruption, "branch page %d has %d entries", pn, n)
	}

	var prev []byte
	for i := 0; i < n; i++ {
		key := p.Node(i).Key()
		if !isLeaf && i == 0 {
			if len(key) != 0 {
				return errors.Wrapf(ErrCorruption, "branch page %d starts with key %q", pn, key)
			}
			continue
		}
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			return errors.Wrapf(ErrCorruption, "page %d keys out of order at %d", pn, i)
		}
		if lower != nil && bytes.Compare(key, lower) < 0 {
			return errors.Wrapf(ErrCorruption, "page %d key %q below separator %q", pn, key, lower)
		}
		if upper != nil && bytes.Compare(key, upper) >= 0 {
			return errors.Wrapf(ErrCorruption, "page %d key %q not below separator %q", pn, key, upper)
		}
		prev = key
	}

	if !isLeaf {
		v.branches++
		for i := 0; i < n; i++ {
			lo, hi := lower, upper
			if i > 0 {
				lo = p.Node(i).Key()
			}
			if i+1 < n {
				hi = p.Node(i + 1).Key()
			}
			if err := v.page(p.Node(i).PageNumber(), level+1, lo, hi); err != nil {
				return err
			}
		}
		return nil
	}

	v.leaves++
	v.entries += int64(n)
	for i := 0; i < n; i++ {
		node := p.Node(i)
		switch node.Flags() {
		case page.NodeData:
		case page.NodeOverflow:
			ov, err := t.llt.GetPage(node.PageNumber())
			if err != nil {
				return err
			}
			if !ov.IsOverflow() {
				return errors.Wrapf(ErrCorruption, "page %d is referenced as overflow but has flags %#x", node.PageNumber(), ov.Flags())
			}
			count := ov.PageCount(t.pageSize())
			for j := 0; j < count; j++ {
				if err := v.mark(node.PageNumber() + int64(j)); err != nil {
					return err
				}
			}
			v.overflow += int64(count)
		case page.NodeMultiValue:
			if err := t.nested(page.DecodeTreeState(node.Data())).validate(v.seen); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrCorruption, "leaf %d holds a %s node", pn, node.Flags())
		}
	}
	return nil
}
