package pagedb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"pagedb/internal/journal"
	"pagedb/internal/page"
	"pagedb/internal/scratch"
)

// TxFlags select the kind of a transaction.
type TxFlags int

const (
	TxRead TxFlags = iota
	TxReadWrite
)

func (f TxFlags) String() string {
	if f == TxReadWrite {
		return "read-write"
	}
	return "read"
}

type txStatus int

const (
	txActive txStatus = iota
	txCompleted
	txCommitted
	txRolledBack
)

// writeState is the dirty page bookkeeping of a write transaction. Instances
// are pooled per environment and handed from one transaction to its
// successor on async commit.
type writeState struct {
	dirty         *btree.BTreeG[int64]      // page order, for the journal write
	dirtyOverflow map[int64]int             // first page of a run -> pages in run
	scratchTable  map[int64]scratch.PageRef // page -> private copy
	freed         map[int64]struct{}
	allocated     map[int64]struct{}
	modified      int
}

func newWriteState() *writeState {
	return &writeState{
		dirty:         btree.NewOrderedG[int64](32),
		dirtyOverflow: make(map[int64]int),
		scratchTable:  make(map[int64]scratch.PageRef),
		freed:         make(map[int64]struct{}),
		allocated:     make(map[int64]struct{}),
	}
}

func (ws *writeState) reset() {
	ws.dirty.Clear(true)
	clear(ws.dirtyOverflow)
	clear(ws.scratchTable)
	clear(ws.freed)
	clear(ws.allocated)
	ws.modified = 0
}

func (ws *writeState) track(n int64, ref scratch.PageRef) {
	ws.scratchTable[n] = ref
	ws.dirty.ReplaceOrInsert(n)
	if ref.Pages > 1 {
		ws.dirtyOverflow[n] = int(ref.Pages)
	} else {
		delete(ws.dirtyOverflow, n)
	}
	ws.modified += int(ref.Pages)
}

func (ws *writeState) untrack(n int64) {
	delete(ws.scratchTable, n)
	delete(ws.dirtyOverflow, n)
	ws.dirty.Delete(n)
}

type asyncCommit struct {
	done chan struct{}
	err  error
}

// LowLevelTransaction is the MVCC unit of work. Write transactions never
// modify a page in place: ModifyPage copies it into a scratch buffer first and
// the copy is what the journal eventually persists.
type LowLevelTransaction struct {
	env      *Env
	id       uint64
	flags    TxFlags
	root     page.TreeState
	nextPage int64
	snap     *journal.Snapshot
	slot     int

	ws           *writeState
	freeOnCommit []int64
	status       txStatus
	ownsLock     bool

	header journal.TxHeader
	writes []journal.PageWrite

	prev     *LowLevelTransaction // async predecessor
	async    *asyncCommit
	endOnce  sync.Once
	endErr   error
	ended    atomic.Bool
	disposed bool
}

func (tx *LowLevelTransaction) ID() uint64 { return tx.id }

func (tx *LowLevelTransaction) Flags() TxFlags { return tx.flags }

func (tx *LowLevelTransaction) Writable() bool { return tx.flags == TxReadWrite }

// Root returns the root tree state as seen by this transaction.
func (tx *LowLevelTransaction) Root() page.TreeState { return tx.root }

// SetRoot replaces the root tree state committed by this transaction.
func (tx *LowLevelTransaction) SetRoot(s page.TreeState) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.root = s
	return nil
}

// NextPage is the first page number past the logical end of the data file.
func (tx *LowLevelTransaction) NextPage() int64 { return tx.nextPage }

func (tx *LowLevelTransaction) PageSize() int { return tx.env.opts.pageSize }

// NumberOfModifiedPages counts pages copied or allocated by this transaction.
func (tx *LowLevelTransaction) NumberOfModifiedPages() int {
	if tx.ws == nil {
		return 0
	}
	return tx.ws.modified
}

// DirtyPages returns the numbers of pages this transaction will write, in
// page order.
func (tx *LowLevelTransaction) DirtyPages() []int64 {
	if tx.ws == nil {
		return nil
	}
	pages := make([]int64, 0, tx.ws.dirty.Len())
	tx.ws.dirty.Ascend(func(n int64) bool {
		pages = append(pages, n)
		return true
	})
	return pages
}

// IsDirty reports whether page n has a private copy in this transaction.
func (tx *LowLevelTransaction) IsDirty(n int64) bool {
	if tx.ws == nil {
		return false
	}
	_, ok := tx.ws.scratchTable[n]
	return ok
}

func (tx *LowLevelTransaction) checkActive() error {
	switch tx.status {
	case txActive:
		return nil
	case txRolledBack:
		return ErrTxRolledBack
	default:
		return ErrTxCommitted
	}
}

func (tx *LowLevelTransaction) checkWritable() error {
	if tx.flags != TxReadWrite {
		return ErrTxNotWritable
	}
	return tx.checkActive()
}

// GetPage resolves page n from this transaction's scratch copies, then the
// journal, then the data file. Pages from the data file are checksum
// validated. The result must not be modified.
func (tx *LowLevelTransaction) GetPage(n int64) (page.Page, error) {
	if tx.status == txRolledBack {
		return nil, ErrTxRolledBack
	}
	if tx.ws != nil {
		if ref, ok := tx.ws.scratchTable[n]; ok {
			return page.Page(tx.env.scratch.Read(ref)), nil
		}
	}
	if p, ok := tx.snap.ReadPage(n); ok {
		return p, nil
	}
	p, err := tx.env.storage.ReadPage(n)
	if err != nil {
		tx.env.log.Error("failed to read page", "page", n, "tx", tx.id, "error", err)
		return nil, err
	}
	return p, nil
}

// AllocatePage returns a zeroed run of count pages, reusing free space before
// extending the file. Runs longer than one page come back initialized as
// overflow pages spanning the whole run.
func (tx *LowLevelTransaction) AllocatePage(count int) (page.Page, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if n, ok := tx.env.freeSpace.TryAllocate(tx.id, count); ok {
		return tx.allocateAt(n, count), nil
	}
	n := tx.nextPage
	if err := tx.checkQuota(n, count); err != nil {
		return nil, err
	}
	tx.nextPage += int64(count)
	return tx.allocateAt(n, count), nil
}

// AllocatePageAt allocates count pages at an explicit page number.
func (tx *LowLevelTransaction) AllocatePageAt(n int64, count int) (page.Page, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if err := tx.checkQuota(n, count); err != nil {
		return nil, err
	}
	if end := n + int64(count); end > tx.nextPage {
		tx.nextPage = end
	}
	return tx.allocateAt(n, count), nil
}

func (tx *LowLevelTransaction) checkQuota(n int64, count int) error {
	limit := tx.env.opts.maxStorageSize
	if limit > 0 && (n+int64(count))*int64(tx.PageSize()) > limit {
		return errors.Wrapf(ErrQuotaExceeded, "page %d (+%d) past %d bytes", n, count, limit)
	}
	return nil
}

func (tx *LowLevelTransaction) allocateAt(n int64, count int) page.Page {
	ref, buf := tx.env.scratch.Allocate(count)
	if old, ok := tx.ws.scratchTable[n]; ok {
		_ = tx.env.scratch.Release(old)
	}
	tx.ws.track(n, ref)
	tx.ws.allocated[n] = struct{}{}

	p := page.Page(buf)
	if count > 1 {
		p.InitOverflow(n, count*tx.PageSize()-page.HeaderSize)
	} else {
		p.SetNumber(n)
		p.SetFlags(page.FlagSingle)
	}
	return p
}

// ModifyPage returns a writable copy of page n. The first call copies the
// current content into scratch memory, later calls return the same copy.
func (tx *LowLevelTransaction) ModifyPage(n int64) (page.Page, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if ref, ok := tx.ws.scratchTable[n]; ok {
		return page.Page(tx.env.scratch.Read(ref)), nil
	}

	cur, err := tx.GetPage(n)
	if err != nil {
		return nil, err
	}
	count := cur.PageCount(tx.PageSize())
	ref, buf := tx.env.scratch.Allocate(count)
	copy(buf, cur)
	tx.ws.track(n, ref)
	return page.Page(buf), nil
}

// FreePage releases page n (and the rest of its overflow run). The numbers
// become reusable once this transaction commits.
func (tx *LowLevelTransaction) FreePage(n int64) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if tx.env.freeSpace.Contains(n) {
		return errors.Wrapf(ErrCorruption, "page %d is already free", n)
	}

	var count int
	if ref, ok := tx.ws.scratchTable[n]; ok {
		count = int(ref.Pages)
		if err := tx.env.scratch.Release(ref); err != nil {
			return err
		}
		tx.ws.untrack(n)
	} else {
		p, err := tx.GetPage(n)
		if err != nil {
			return err
		}
		count = p.PageCount(tx.PageSize())
	}

	pages := make([]int64, count)
	for i := range pages {
		pages[i] = n + int64(i)
		tx.ws.freed[pages[i]] = struct{}{}
	}
	tx.env.freeSpace.Pending(tx.id, pages...)
	return nil
}

// FreePageOnCommit defers freeing page n until the transaction completes.
func (tx *LowLevelTransaction) FreePageOnCommit(n int64) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.freeOnCommit = append(tx.freeOnCommit, n)
	return nil
}

// BreakLargeAllocationToSeparatePages turns a dirty overflow run starting at
// n into independent single pages n, n+1, ... each with its own header.
func (tx *LowLevelTransaction) BreakLargeAllocationToSeparatePages(n int64) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ref, ok := tx.ws.scratchTable[n]
	if !ok {
		return errors.Wrapf(ErrPageNotDirty, "page %d", n)
	}
	if ref.Pages == 1 {
		return nil
	}

	head, tail, err := tx.env.scratch.Split(ref, 1)
	if err != nil {
		return err
	}
	tx.ws.scratchTable[n] = head
	delete(tx.ws.dirtyOverflow, n)
	resetSingle(page.Page(tx.env.scratch.Read(head)), n)

	for i, r := range tail {
		num := n + 1 + int64(i)
		tx.ws.scratchTable[num] = r
		tx.ws.dirty.ReplaceOrInsert(num)
		tx.ws.allocated[num] = struct{}{}
		resetSingle(page.Page(tx.env.scratch.Read(r)), num)
	}
	return nil
}

func resetSingle(p page.Page, n int64) {
	clear(p[:page.HeaderSize])
	p.SetNumber(n)
	p.SetFlags(page.FlagSingle)
}

// ShrinkOverflowPage reduces the dirty overflow run at n to hold newSize
// bytes. Pages past the new end are freed.
func (tx *LowLevelTransaction) ShrinkOverflowPage(n int64, newSize int) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ref, ok := tx.ws.scratchTable[n]
	if !ok {
		return errors.Wrapf(ErrPageNotDirty, "page %d", n)
	}
	p := page.Page(tx.env.scratch.Read(ref))
	if !p.IsOverflow() {
		return errors.Wrapf(ErrCorruption, "page %d is not an overflow page", n)
	}

	oldCount := int(ref.Pages)
	newCount := page.OverflowPages(newSize, tx.PageSize())
	if newCount > oldCount {
		return errors.Errorf("cannot shrink page %d from %d to %d pages", n, oldCount, newCount)
	}
	p.SetOverflowSize(newSize)
	if newCount == oldCount {
		return nil
	}

	head, tail, err := tx.env.scratch.Split(ref, newCount)
	if err != nil {
		return err
	}
	tx.ws.scratchTable[n] = head
	if newCount > 1 {
		tx.ws.dirtyOverflow[n] = newCount
	} else {
		delete(tx.ws.dirtyOverflow, n)
	}

	freed := make([]int64, 0, len(tail))
	for i, r := range tail {
		if err := tx.env.scratch.Release(r); err != nil {
			return err
		}
		num := n + int64(newCount+i)
		freed = append(freed, num)
		tx.ws.freed[num] = struct{}{}
	}
	tx.env.freeSpace.Pending(tx.id, freed...)
	return nil
}

// Commit runs the three commit stages: complete, write to journal, dispose.
func (tx *LowLevelTransaction) Commit() error {
	if tx.flags != TxReadWrite {
		return ErrTxNotWritable
	}
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.prev != nil {
		if err := tx.prev.EndAsyncCommit(); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.complete(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.writeToJournal(); err != nil {
		tx.env.fail(err)
		_ = tx.dispose()
		return err
	}
	return tx.dispose()
}

// complete is stage one. It drains deferred frees, checksums every dirty page,
// hands the pages to the journal's translation table and makes the resulting
// state the base of the next write transaction.
func (tx *LowLevelTransaction) complete() error {
	for len(tx.freeOnCommit) > 0 {
		n := tx.freeOnCommit[0]
		tx.freeOnCommit = tx.freeOnCommit[1:]
		if err := tx.FreePage(n); err != nil {
			return err
		}
	}

	tx.header = journal.TxHeader{
		TxID:      tx.id,
		NextPage:  tx.nextPage,
		Timestamp: time.Now().UnixNano(),
		Root:      tx.root,
	}

	tx.writes = make([]journal.PageWrite, 0, tx.ws.dirty.Len())
	tx.ws.dirty.Ascend(func(n int64) bool {
		ref := tx.ws.scratchTable[n]
		p := page.Page(tx.env.scratch.Read(ref))
		p.SetNumber(n)
		page.SetChecksum(p)
		tx.writes = append(tx.writes, journal.PageWrite{Number: n, Ref: ref, Data: p})
		return true
	})
	if len(tx.writes) > 0 {
		tx.env.journal.Publish(tx.id, tx.writes)
	}

	tx.env.freeSpace.Release(tx.id)
	tx.env.writer = envState{txID: tx.id, nextPage: tx.nextPage, root: tx.root}
	tx.ws.reset()
	tx.status = txCompleted
	return nil
}

// writeToJournal is stage two.
func (tx *LowLevelTransaction) writeToJournal() error {
	if len(tx.writes) == 0 {
		return nil
	}
	return tx.env.journal.Write(tx.header, tx.writes)
}

// dispose is stage three: the committed state becomes visible to new
// transactions and every resource of tx is released.
// With debug validation a damaged page fails the environment and is returned.
func (tx *LowLevelTransaction) dispose() error {
	var bad error
	if tx.env.opts.debugValidation {
		for _, w := range tx.writes {
			err := page.VerifyChecksum(w.Data)
			if w.Data.Number() != w.Number {
				err = errors.Wrapf(ErrCorruption, "dirty page %d carries number %d", w.Number, w.Data.Number())
			}
			if err != nil && bad == nil {
				bad = err
				tx.env.fail(err)
			}
		}
	}
	tx.writes = nil
	tx.env.publish(envState{txID: tx.id, nextPage: tx.header.NextPage, root: tx.header.Root})
	tx.status = txCommitted
	tx.release()
	return bad
}

// Rollback discards every scratch copy and free space decision of tx. It is a
// no-op once the transaction completed.
func (tx *LowLevelTransaction) Rollback() {
	if tx.status != txActive {
		return
	}
	tx.status = txRolledBack
	if tx.ws != nil {
		for _, ref := range tx.ws.scratchTable {
			if err := tx.env.scratch.Release(ref); err != nil {
				tx.env.log.Error("failed to release scratch page on rollback", "tx", tx.id, "error", err)
			}
		}
		tx.ws.reset()
		tx.env.freeSpace.Discard(tx.id)
	}
	tx.release()
}

// Dispose rolls back an unfinished transaction and releases its snapshot.
func (tx *LowLevelTransaction) Dispose() {
	if tx.status == txActive {
		tx.Rollback()
		return
	}
	tx.release()
}

func (tx *LowLevelTransaction) release() {
	if tx.disposed {
		return
	}
	tx.disposed = true
	tx.snap.Release()
	if tx.slot >= 0 {
		tx.env.readers.Unregister(tx.slot)
	}
	if tx.ws != nil {
		tx.ws.reset()
		tx.env.writeStates.Put(tx.ws)
		tx.ws = nil
	}
	tx.env.untrack(tx)
	if tx.ownsLock {
		tx.ownsLock = false
		tx.env.writeMu.Unlock()
	}
}

// BeginAsyncCommitAndStartNewTransaction completes tx, starts its journal
// write in the background and returns the next write transaction, which
// inherits the write lock and tx's (cleared) bookkeeping. The caller must call
// EndAsyncCommit on tx before relying on durability; committing the successor
// does so implicitly.
func (tx *LowLevelTransaction) BeginAsyncCommitAndStartNewTransaction() (*LowLevelTransaction, error) {
	if tx.flags != TxReadWrite {
		return nil, ErrAsyncCommitReadTx
	}
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if tx.prev != nil && !tx.prev.asyncEnded() {
		return nil, ErrAsyncCommitInProgress
	}
	if err := tx.complete(); err != nil {
		tx.Rollback()
		return nil, err
	}

	tx.async = &asyncCommit{done: make(chan struct{})}
	go func() {
		defer close(tx.async.done)
		tx.async.err = tx.writeToJournal()
	}()

	e := tx.env
	next := e.newWriteTx(tx.ws)
	tx.ws = nil
	next.prev = tx
	tx.ownsLock = false

	e.asyncMu.Lock()
	e.pending = tx
	e.asyncMu.Unlock()
	return next, nil
}

func (tx *LowLevelTransaction) asyncEnded() bool { return tx.ended.Load() }

// EndAsyncCommit waits for the background journal write of tx and then makes
// its state visible. It is idempotent.
func (tx *LowLevelTransaction) EndAsyncCommit() error {
	if tx.async == nil {
		return nil
	}
	tx.endOnce.Do(func() {
		<-tx.async.done
		if err := tx.async.err; err != nil {
			tx.env.fail(err)
			tx.endErr = err
			tx.status = txCommitted
			tx.release()
		} else {
			tx.endErr = tx.dispose()
		}
		tx.env.asyncMu.Lock()
		if tx.env.pending == tx {
			tx.env.pending = nil
		}
		tx.env.asyncMu.Unlock()
		tx.ended.Store(true)
	})
	return tx.endErr
}
