package pagedb

import (
	"sort"

	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// Transaction is the tree level view of a LowLevelTransaction. It keeps a
// directory of named trees in the root tree, mapping each name to the
// encoded state of its tree.
//
// CONCURRENCY: Transactions are NOT thread-safe and must only be used by a
// single goroutine at a time. Trees opened from a transaction share that
// restriction.
type Transaction struct {
	llt   *LowLevelTransaction
	root  *Tree
	trees map[string]*Tree
}

func newTransaction(llt *LowLevelTransaction) *Transaction {
	return &Transaction{
		llt:   llt,
		root:  openTree(llt, "", llt.Root()),
		trees: make(map[string]*Tree),
	}
}

// LowLevel exposes the underlying page level transaction.
func (tx *Transaction) LowLevel() *LowLevelTransaction { return tx.llt }

func (tx *Transaction) ID() uint64 { return tx.llt.ID() }

func (tx *Transaction) Writable() bool { return tx.llt.Writable() }

// CreateTree opens tree name, creating it when missing. An existing tree
// must have the requested flags.
func (tx *Transaction) CreateTree(name string, flags TreeFlags) (*Tree, error) {
	t, err := tx.OpenTree(name)
	switch {
	case err == nil:
		if t.state.Flags != flags {
			return nil, ErrTreeFlagsDiffer
		}
		return t, nil
	case !errors.Is(err, ErrTreeNotFound):
		return nil, err
	}

	if err := tx.llt.checkWritable(); err != nil {
		return nil, err
	}
	t, err = createTree(tx.llt, flags)
	if err != nil {
		return nil, err
	}
	t.name = name
	if err := tx.storeState(t); err != nil {
		return nil, err
	}
	tx.trees[name] = t
	return t, nil
}

// OpenTree returns tree name or ErrTreeNotFound.
func (tx *Transaction) OpenTree(name string) (*Tree, error) {
	if name == "" {
		return nil, ErrTreeNameEmpty
	}
	if t, ok := tx.trees[name]; ok {
		return t, nil
	}
	r, err := tx.root.Read([]byte(name))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrTreeNotFound
	}
	if r.Len() != page.TreeStateSize {
		return nil, ErrCorruption
	}
	t := openTree(tx.llt, name, page.DecodeTreeState(r.Bytes()))
	tx.trees[name] = t
	return t, nil
}

// DeleteTree frees every page of tree name and removes it from the
// directory. Trees handed out earlier fail with ErrTreeNotFound afterwards.
func (tx *Transaction) DeleteTree(name string) error {
	if err := tx.llt.checkWritable(); err != nil {
		return err
	}
	t, err := tx.OpenTree(name)
	if err != nil {
		return err
	}
	if t.scope != nil {
		return ErrDirectAddInProgress
	}
	if err := t.drop(); err != nil {
		return err
	}
	t.deleted = true
	delete(tx.trees, name)
	return tx.root.Delete([]byte(name))
}

// Trees lists the names of all trees in ascending order.
func (tx *Transaction) Trees() ([]string, error) {
	var names []string
	it := tx.root.Iterate(false)
	for ok := it.First(); ok; ok = it.Next() {
		names = append(names, string(it.Key()))
	}
	return names, it.Err()
}

func (tx *Transaction) storeState(t *Tree) error {
	s, err := tx.root.DirectAdd([]byte(t.name), page.TreeStateSize, KindData)
	if err != nil {
		return err
	}
	t.state.Encode(s.Buffer)
	if err := s.Close(); err != nil {
		return err
	}
	t.original = t.state
	return nil
}

// flushTrees writes changed tree states to the directory and the directory's
// state to the transaction root.
func (tx *Transaction) flushTrees() error {
	names := make([]string, 0, len(tx.trees))
	for name, t := range tx.trees {
		if t.scope != nil {
			return ErrDirectAddInProgress
		}
		if t.dirty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := tx.storeState(tx.trees[name]); err != nil {
			return err
		}
	}

	if tx.llt.env.opts.debugValidation {
		if err := tx.root.Validate(); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.trees[name].Validate(); err != nil {
				return err
			}
		}
	}

	if tx.root.dirty() {
		if err := tx.llt.SetRoot(tx.root.State()); err != nil {
			return err
		}
		tx.root.original = tx.root.state
	}
	return nil
}

// Commit writes tree states and commits the low level transaction. On error
// the transaction is rolled back.
func (tx *Transaction) Commit() error {
	if !tx.Writable() {
		return ErrTxNotWritable
	}
	if err := tx.llt.checkActive(); err != nil {
		return err
	}
	if err := tx.flushTrees(); err != nil {
		tx.llt.Rollback()
		return err
	}
	return tx.llt.Commit()
}

func (tx *Transaction) Rollback() { tx.llt.Rollback() }

func (tx *Transaction) Dispose() { tx.llt.Dispose() }

// BeginAsyncCommitAndStartNewTransaction commits tx in the background and
// returns the next write transaction. See the LowLevelTransaction method of
// the same name.
func (tx *Transaction) BeginAsyncCommitAndStartNewTransaction() (*Transaction, error) {
	if !tx.Writable() {
		return nil, ErrAsyncCommitReadTx
	}
	if err := tx.llt.checkActive(); err != nil {
		return nil, err
	}
	if err := tx.flushTrees(); err != nil {
		tx.llt.Rollback()
		return nil, err
	}
	next, err := tx.llt.BeginAsyncCommitAndStartNewTransaction()
	if err != nil {
		return nil, err
	}
	return newTransaction(next), nil
}

// EndAsyncCommit waits for the background commit started from tx.
func (tx *Transaction) EndAsyncCommit() error { return tx.llt.EndAsyncCommit() }
