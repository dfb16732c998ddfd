package freespace

import (
	"sync"

	"github.com/google/btree"
)

// FreeSpace tracks reclaimed page numbers and hands them out before the data
// file is extended. Pages move through two stages:
// 1. Pending: freed by a transaction that has not committed yet
// 2. Free: the freeing transaction committed, the page may be reused
//
// Readers never need the old content of a free page from the data file: the
// journal keeps every version newer than the oldest reader snapshot.
type FreeSpace struct {
	mu        sync.Mutex
	free      *btree.BTreeG[int64]
	pending   map[uint64][]int64 // txID -> pages freed by that transaction
	allocated map[uint64][]int64 // txID -> pages taken from free, returned on Discard
}

func New() *FreeSpace {
	return &FreeSpace{
		free:      btree.NewOrderedG[int64](32),
		pending:   make(map[uint64][]int64),
		allocated: make(map[uint64][]int64),
	}
}

// TryAllocate takes the lowest run of count contiguous free pages on behalf of
// txID.
func (f *FreeSpace) TryAllocate(txID uint64, count int) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.free.Len() < count {
		return 0, false
	}

	start, run := int64(-1), 0
	found := false
	f.free.Ascend(func(n int64) bool {
		if run > 0 && n == start+int64(run) {
			run++
		} else {
			start, run = n, 1
		}
		if run == count {
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}

	for i := 0; i < count; i++ {
		n := start + int64(i)
		f.free.Delete(n)
		f.allocated[txID] = append(f.allocated[txID], n)
	}
	return start, true
}

// Pending records pages freed by txID. They stay unusable until Release.
func (f *FreeSpace) Pending(txID uint64, pages ...int64) {
	if len(pages) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[txID] = append(f.pending[txID], pages...)
}

// Release is called when txID commits. Its pending pages become free and the
// pages it allocated are no longer returnable.
func (f *FreeSpace) Release(txID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	pages := f.pending[txID]
	for _, n := range pages {
		f.free.ReplaceOrInsert(n)
	}
	delete(f.pending, txID)
	delete(f.allocated, txID)
	return len(pages)
}

// Discard undoes txID: allocated pages return to free, pending pages were
// never really freed.
func (f *FreeSpace) Discard(txID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range f.allocated[txID] {
		f.free.ReplaceOrInsert(n)
	}
	delete(f.allocated, txID)
	delete(f.pending, txID)
}

// Rebuild replaces the free set with every page in [first, end) that is not
// reachable.
func (f *FreeSpace) Rebuild(first, end int64, reachable map[int64]struct{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.free.Clear(false)
	clear(f.pending)
	clear(f.allocated)
	for n := first; n < end; n++ {
		if _, ok := reachable[n]; !ok {
			f.free.ReplaceOrInsert(n)
		}
	}
	return f.free.Len()
}

// Contains reports whether n is free and not handed out.
func (f *FreeSpace) Contains(n int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.Has(n)
}

func (f *FreeSpace) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.Len()
}
