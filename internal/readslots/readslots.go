package readslots

import (
	"errors"
	"math"
	"sync/atomic"
)

var ErrTooManyReaders = errors.New("too many concurrent readers (increase max readers)")

// Table is a fixed-size set of reader slots. Each slot holds the snapshot
// transaction id of one read transaction, stored as id+1 so that zero marks an
// empty slot and snapshot 0 remains representable.
type Table struct {
	slots  []atomic.Uint64
	active atomic.Int32
}

func New(maxReaders int) *Table {
	return &Table{slots: make([]atomic.Uint64, max(maxReaders, 1))}
}

// Register claims a slot for a reader pinned at snapshot txID.
func (t *Table) Register(txID uint64) (int, error) {
	for i := range t.slots {
		if t.slots[i].CompareAndSwap(0, txID+1) {
			t.active.Add(1)
			return i, nil
		}
	}
	return -1, ErrTooManyReaders
}

func (t *Table) Unregister(slot int) {
	if t.slots[slot].Swap(0) != 0 {
		t.active.Add(-1)
	}
}

// Oldest returns the smallest registered snapshot id. ok is false when no
// reader is active.
func (t *Table) Oldest() (uint64, bool) {
	if t.active.Load() == 0 {
		return 0, false
	}
	m := uint64(math.MaxUint64)
	for i := range t.slots {
		if v := t.slots[i].Load(); v != 0 && v < m {
			m = v
		}
	}
	if m == math.MaxUint64 {
		return 0, false
	}
	return m - 1, true
}

func (t *Table) Active() int {
	return int(t.active.Load())
}
