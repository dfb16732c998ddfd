package pagedb

import (
	"github.com/pkg/errors"

	"pagedb/internal/page"
	"pagedb/internal/prefetch"
)

// Iterator walks a tree's keys in ascending order, in either direction. It
// is bound to the tree's shape when positioned; any write to the tree
// invalidates it and later moves fail with ErrIteratorInvalidated.
type Iterator struct {
	t        *Tree
	prefetch bool
	ahead    prefetch.Prefetcher
	version  uint64

	pages []int64 // root to leaf
	pos   []int   // child per branch, entry in the leaf
	leaf  page.Page
	valid bool
	err   error
}

// Iterate returns an unpositioned iterator. With prefetch set, entering a
// leaf hints the data file about the sibling leaves the scan will reach next;
// the window grows while the scan keeps its direction.
func (t *Tree) Iterate(prefetch bool) *Iterator {
	return &Iterator{t: t, prefetch: prefetch}
}

func (it *Iterator) Valid() bool { return it.valid }

func (it *Iterator) Err() error { return it.err }

// Key returns the current key. It aliases page memory.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.leaf.Node(it.pos[len(it.pos)-1]).Key()
}

// Value returns the current value, resolving overflow runs. Multi-value keys
// yield the encoded nested tree state.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	v, err := it.t.nodeValue(it.leaf.Node(it.pos[len(it.pos)-1]))
	if err != nil {
		it.fail(err)
		return nil
	}
	return v
}

// Node returns the current leaf node.
func (it *Iterator) Node() page.Node {
	if !it.valid {
		return nil
	}
	return it.leaf.Node(it.pos[len(it.pos)-1])
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.valid = false
	return false
}

func (it *Iterator) First() bool { return it.position(nil, searchBeforeAll) }

func (it *Iterator) Last() bool { return it.position(nil, searchAfterAll) }

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) bool { return it.position(key, searchKey) }

func (it *Iterator) position(key []byte, mode searchMode) bool {
	it.err = nil
	it.version = it.t.version
	c, err := it.t.descend(key, mode, -1)
	if err != nil {
		return it.fail(err)
	}
	it.pages, it.pos = c.pages, c.pos
	it.ahead.Reset()
	dir := prefetch.Forward
	if mode == searchAfterAll {
		dir = prefetch.Backward
	}
	if err := it.load(dir); err != nil {
		return it.fail(err)
	}

	n := it.leaf.NumEntries()
	switch mode {
	case searchBeforeAll:
		it.pos[len(it.pos)-1] = 0
	case searchAfterAll:
		it.pos[len(it.pos)-1] = n - 1
	default:
		i, _ := it.leaf.Search(key)
		it.pos[len(it.pos)-1] = i
		if i >= n {
			it.valid = true
			return it.Next()
		}
	}
	it.valid = n > 0
	return it.valid
}

// load reads the leaf at the bottom of the path.
func (it *Iterator) load(dir prefetch.Direction) error {
	leaf, err := it.t.readLeaf(it.pages[len(it.pages)-1])
	if err != nil {
		return err
	}
	it.leaf = leaf

	if it.prefetch && len(it.pages) > 1 {
		level := len(it.pages) - 2
		parent, err := it.t.llt.GetPage(it.pages[level])
		if err != nil {
			return err
		}
		var siblings []int64
		for i := it.pos[level] + int(dir); i >= 0 && i < parent.NumEntries(); i += int(dir) {
			siblings = append(siblings, parent.Node(i).PageNumber())
		}
		it.ahead.Trigger(siblings, dir, it.t.llt.env.storage.Advise)
	}
	return nil
}

func (it *Iterator) checkVersion() bool {
	if it.version != it.t.version {
		return it.fail(ErrIteratorInvalidated)
	}
	return true
}

func (it *Iterator) Next() bool {
	if !it.valid || !it.checkVersion() {
		return false
	}
	last := len(it.pos) - 1
	if it.pos[last]+1 < it.leaf.NumEntries() {
		it.pos[last]++
		return true
	}
	return it.stepLeaf(true)
}

func (it *Iterator) Prev() bool {
	if !it.valid || !it.checkVersion() {
		return false
	}
	last := len(it.pos) - 1
	if it.pos[last] > 0 {
		it.pos[last]--
		return true
	}
	return it.stepLeaf(false)
}

// stepLeaf moves to the first entry of the next leaf, or the last entry of
// the previous one.
func (it *Iterator) stepLeaf(forward bool) bool {
	for level := len(it.pages) - 2; level >= 0; level-- {
		p, err := it.t.llt.GetPage(it.pages[level])
		if err != nil {
			return it.fail(err)
		}
		next := it.pos[level] - 1
		if forward {
			next = it.pos[level] + 1
		}
		if next < 0 || next >= p.NumEntries() {
			continue
		}
		it.pos[level] = next
		child := p.Node(next).PageNumber()

		for l := level + 1; l < len(it.pages); l++ {
			it.pages[l] = child
			cp, err := it.t.llt.GetPage(child)
			if err != nil {
				return it.fail(err)
			}
			if cp.IsLeaf() {
				break
			}
			i := 0
			if !forward {
				i = cp.NumEntries() - 1
			}
			it.pos[l] = i
			child = cp.Node(i).PageNumber()
		}
		dir := prefetch.Backward
		if forward {
			dir = prefetch.Forward
		}
		if err := it.load(dir); err != nil {
			return it.fail(err)
		}
		n := it.leaf.NumEntries()
		if n == 0 {
			return it.fail(errEmptyLeaf(it.pages[len(it.pages)-1]))
		}
		if forward {
			it.pos[len(it.pos)-1] = 0
		} else {
			it.pos[len(it.pos)-1] = n - 1
		}
		return true
	}
	it.valid = false
	return false
}

func errEmptyLeaf(pn int64) error {
	return errors.Wrapf(ErrCorruption, "empty non-root leaf %d", pn)
}
