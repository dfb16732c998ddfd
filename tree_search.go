package pagedb

import (
	"bytes"

	"github.com/pkg/errors"
)

type searchMode int

const (
	searchKey searchMode = iota
	searchBeforeAll
	searchAfterAll
)

// cursor is the path of a descent: pages[0] is the root, pos[i] the child
// taken in the branch pages[i]. The last page is where the descent stopped.
type cursor struct {
	pages []int64
	pos   []int
}

func (c *cursor) push(pn int64, pos int) {
	c.pages = append(c.pages, pn)
	c.pos = append(c.pos, pos)
}

func (c *cursor) leaf() int64 { return c.pages[len(c.pages)-1] }

func (c *cursor) clone() *cursor {
	return &cursor{
		pages: append([]int64(nil), c.pages...),
		pos:   append([]int(nil), c.pos...),
	}
}

func (c *cursor) contains(pn int64) bool {
	for _, p := range c.pages {
		if p == pn {
			return true
		}
	}
	return false
}

// FindPageFor returns the number of the leaf page that holds, or would hold,
// key.
func (t *Tree) FindPageFor(key []byte) (int64, error) {
	if err := t.checkKey(key); err != nil {
		return 0, err
	}
	c, err := t.findPageFor(key)
	if err != nil {
		return 0, err
	}
	return c.leaf(), nil
}

func (t *Tree) findPageFor(key []byte) (*cursor, error) {
	if t.recent != nil {
		if c := t.recent.find(key); c != nil {
			return c, nil
		}
	}
	c, lower, upper, err := t.descendBounded(key, searchKey, -1)
	if err != nil {
		return nil, err
	}
	if t.recent != nil {
		t.recent.add(lower, upper, c)
	}
	return c, nil
}

func (t *Tree) descend(key []byte, mode searchMode, levels int) (*cursor, error) {
	c, _, _, err := t.descendBounded(key, mode, levels)
	return c, err
}

// descendBounded walks from the root towards key. levels limits how many
// pages are visited, -1 walks down to the leaf. lower and upper are the
// tightest separators seen, nil when the path runs along the tree's edge.
func (t *Tree) descendBounded(key []byte, mode searchMode, levels int) (c *cursor, lower, upper []byte, err error) {
	if t.state.RootPage < 0 {
		return nil, nil, nil, ErrTreeNotFound
	}
	c = &cursor{}
	pn := t.state.RootPage
	for levels != 0 {
		p, err := t.llt.GetPage(pn)
		if err != nil {
			return nil, nil, nil, err
		}
		if p.IsLeaf() {
			c.push(pn, 0)
			return c, lower, upper, nil
		}
		if !p.IsBranch() {
			return nil, nil, nil, errors.Wrapf(ErrCorruption, "page %d is neither branch nor leaf", pn)
		}

		n := p.NumEntries()
		var i int
		switch mode {
		case searchBeforeAll:
			i = 0
		case searchAfterAll:
			i = n - 1
		default:
			var exact bool
			if i, exact = p.Search(key); !exact {
				i--
			}
		}
		if i > 0 {
			lower = bytes.Clone(p.Node(i).Key())
		}
		if i+1 < n {
			upper = bytes.Clone(p.Node(i + 1).Key())
		}
		c.push(pn, i)
		pn = p.Node(i).PageNumber()
		levels--
	}
	return c, lower, upper, nil
}

const recentlyFoundSize = 8

type recentEntry struct {
	lower, upper []byte
	path         *cursor
}

// recentlyFound remembers the key ranges of the last few leaves a search
// ended in, so repeated lookups near each other skip the descent.
type recentlyFound struct {
	entries [recentlyFoundSize]*recentEntry
	next    int
}

func newRecentlyFound() *recentlyFound { return &recentlyFound{} }

func (r *recentlyFound) find(key []byte) *cursor {
	for _, e := range r.entries {
		if e == nil {
			continue
		}
		if e.lower != nil && bytes.Compare(key, e.lower) < 0 {
			continue
		}
		if e.upper != nil && bytes.Compare(key, e.upper) >= 0 {
			continue
		}
		return e.path.clone()
	}
	return nil
}

func (r *recentlyFound) add(lower, upper []byte, c *cursor) {
	r.entries[r.next] = &recentEntry{lower: lower, upper: upper, path: c.clone()}
	r.next = (r.next + 1) % recentlyFoundSize
}

func (r *recentlyFound) invalidate(pn int64) {
	for i, e := range r.entries {
		if e != nil && e.path.contains(pn) {
			r.entries[i] = nil
		}
	}
}

func (r *recentlyFound) clear() {
	clear(r.entries[:])
}
