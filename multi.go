package pagedb

import (
	"bytes"

	"pagedb/internal/page"
)

// A multi-value key stores a set of values as the keys of a nested tree whose
// state lives inline in the key's leaf node.

func (t *Tree) nested(state page.TreeState) *Tree {
	return openTree(t.llt, t.name, state)
}

// openNested returns the nested tree of key. When key is missing it returns
// nil, or a new empty tree if create is set.
func (t *Tree) openNested(key []byte, create bool) (*Tree, error) {
	c, err := t.findPageFor(key)
	if err != nil {
		return nil, err
	}
	leaf, err := t.readLeaf(c.leaf())
	if err != nil {
		return nil, err
	}
	if pos, exact := leaf.Search(key); exact {
		n := leaf.Node(pos)
		if n.Flags() != page.NodeMultiValue {
			return nil, ErrNotMultiValue
		}
		return t.nested(page.DecodeTreeState(n.Data())), nil
	}
	if !create {
		return nil, nil
	}
	return createTree(t.llt, TreeMultiValue)
}

func (t *Tree) storeNested(key []byte, nt *Tree) error {
	s, err := t.DirectAdd(key, page.TreeStateSize, KindMultiValue)
	if err != nil {
		return err
	}
	nt.state.Encode(s.Buffer)
	return s.Close()
}

// MultiAdd adds value to the set stored under key.
func (t *Tree) MultiAdd(key, value []byte) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkKey(value); err != nil {
		return err
	}
	nt, err := t.openNested(key, true)
	if err != nil {
		return err
	}
	if err := nt.Add(value, nil); err != nil {
		return err
	}
	return t.storeNested(key, nt)
}

// MultiDelete removes value from the set under key. The key goes away with
// its last value.
func (t *Tree) MultiDelete(key, value []byte) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	nt, err := t.openNested(key, false)
	if err != nil || nt == nil {
		return err
	}
	if err := nt.Delete(value); err != nil {
		return err
	}
	if err := t.storeNested(key, nt); err != nil {
		return err
	}
	if nt.state.Entries == 0 {
		return t.Delete(key)
	}
	return nil
}

// MultiRead returns the values stored under key in ascending order.
func (t *Tree) MultiRead(key []byte) ([][]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	nt, err := t.openNested(key, false)
	if err != nil || nt == nil {
		return nil, err
	}
	var values [][]byte
	it := nt.Iterate(false)
	for ok := it.First(); ok; ok = it.Next() {
		values = append(values, bytes.Clone(it.Key()))
	}
	return values, it.Err()
}

// MultiCount returns the number of values stored under key.
func (t *Tree) MultiCount(key []byte) (int64, error) {
	if err := t.checkKey(key); err != nil {
		return 0, err
	}
	nt, err := t.openNested(key, false)
	if err != nil || nt == nil {
		return 0, err
	}
	return nt.state.Entries, nil
}
