package journal

import (
	"bytes"
	"sync/atomic"

	"pagedb/internal/page"
)

// Snapshot is a transaction's view of the journal. It pins the journal files
// that existed when it was taken and resolves pages against the translation
// table, filtered by the snapshot's transaction id.
type Snapshot struct {
	j        *Journal
	txID     uint64
	latest   bool
	files    []*File
	released atomic.Bool
}

// Snapshot returns a view that only sees versions written by transactions up
// to and including txID.
func (j *Journal) Snapshot(txID uint64) *Snapshot {
	return j.snapshot(txID, false)
}

// WriterSnapshot sees every published version, including those of
// transactions whose journal write is still in flight.
func (j *Journal) WriterSnapshot() *Snapshot {
	return j.snapshot(0, true)
}

func (j *Journal) snapshot(txID uint64, latest bool) *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := &Snapshot{j: j, txID: txID, latest: latest, files: make([]*File, len(j.files))}
	copy(s.files, j.files)
	for _, f := range s.files {
		f.refs++
	}
	return s
}

// ReadPage returns a private copy of the newest visible version of page n.
func (s *Snapshot) ReadPage(n int64) (page.Page, bool) {
	s.j.mu.RLock()
	defer s.j.mu.RUnlock()

	vs := s.j.table[n]
	for i := len(vs) - 1; i >= 0; i-- {
		if s.latest || vs[i].txID <= s.txID {
			return page.Page(bytes.Clone(s.j.pool.Read(vs[i].ref))), true
		}
	}
	return nil, false
}

// Files returns the numbers of the pinned journal files.
func (s *Snapshot) Files() []int64 {
	numbers := make([]int64, len(s.files))
	for i, f := range s.files {
		numbers[i] = f.Number
	}
	return numbers
}

// Release unpins the snapshot's files. It is safe to call more than once.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.j.mu.Lock()
	for _, f := range s.files {
		f.refs--
	}
	s.j.mu.Unlock()
	s.j.retire()
}
