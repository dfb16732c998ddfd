package pagedb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pagedb/internal/freespace"
	"pagedb/internal/journal"
	"pagedb/internal/page"
	"pagedb/internal/readslots"
	"pagedb/internal/scratch"
	"pagedb/internal/storage"
)

const (
	dataFileName  = "data.pagedb"
	journalSubdir = "journal"
)

// envState is the committed state a transaction starts from.
type envState struct {
	txID     uint64
	nextPage int64
	root     page.TreeState
}

// Env is a storage environment: one data file, its journal and the shared
// transaction machinery. Any number of read transactions run concurrently
// with at most one write transaction.
type Env struct {
	dir  string
	opts Options
	log  Logger

	storage   *storage.Storage
	journal   *journal.Journal
	scratch   *scratch.Pool
	freeSpace *freespace.FreeSpace
	readers   *readslots.Table

	writeMu sync.Mutex // held by the active write transaction
	writer  envState   // guarded by writeMu, base of the next write transaction

	stateMu sync.RWMutex // guards visible, and reader registration against flush
	visible envState

	asyncMu sync.Mutex
	pending *LowLevelTransaction // async commit not yet ended

	flushMu     sync.Mutex
	writeStates sync.Pool

	activeMu sync.Mutex
	active   map[*LowLevelTransaction]struct{}

	failure atomic.Pointer[error]
	closed  atomic.Bool
	stopC   chan struct{}
	wg      sync.WaitGroup
}

// Open opens or creates an environment in dir.
func Open(dir string, options ...Option) (*Env, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if !page.ValidSize(opts.pageSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, opts.pageSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st, created, err := storage.Open(filepath.Join(dir, dataFileName), storage.Options{
		PageSize:  opts.pageSize,
		CacheSize: opts.pageCacheSize,
		NoSync:    opts.syncMode == SyncOff,
	}, opts.logger)
	if err != nil {
		return nil, err
	}

	pool := scratch.NewPool(opts.pageSize, opts.scratchFilePages)
	j, err := journal.Open(journal.Options{
		Dir:         filepath.Join(dir, journalSubdir),
		PageSize:    opts.pageSize,
		FileSize:    opts.journalFileSize,
		Compression: opts.journalCompression,
		SyncMode:    journalSyncMode(opts.syncMode),
		SyncBytes:   opts.syncBytes,
	}, pool, opts.logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e := &Env{
		dir:       dir,
		opts:      opts,
		log:       opts.logger,
		storage:   st,
		journal:   j,
		scratch:   pool,
		freeSpace: freespace.New(),
		readers:   readslots.New(opts.maxReaders),
		active:    make(map[*LowLevelTransaction]struct{}),
		stopC:     make(chan struct{}),
	}
	e.writeStates.New = func() any { return newWriteState() }

	if err := e.recover(); err != nil {
		e.closeFiles()
		return nil, err
	}

	h := st.Header()
	e.writer = envState{txID: h.TxID, nextPage: h.NextPage, root: h.Root}
	e.visible = e.writer

	if created || h.Root.RootPage < 0 {
		err = e.bootstrap()
	} else {
		err = e.rebuildFreeSpace()
	}
	if err != nil {
		e.closeFiles()
		return nil, err
	}

	if opts.flushInterval > 0 {
		e.wg.Add(1)
		go e.backgroundFlusher()
	}

	e.log.Info("environment opened", "dir", dir, "page_size", opts.pageSize, "tx", e.visible.txID, "pages", e.visible.nextPage)
	return e, nil
}

func journalSyncMode(m SyncMode) journal.SyncMode {
	switch m {
	case SyncBytes:
		return journal.SyncBytes
	case SyncOff:
		return journal.SyncNever
	default:
		return journal.SyncAlways
	}
}

// recover replays journal records newer than the data file header straight
// into the data file, then starts a fresh journal.
func (e *Env) recover() error {
	var last *journal.TxHeader
	stats, err := e.journal.Recover(e.storage.Header().TxID, func(h journal.TxHeader, pages []page.Page) error {
		for _, p := range pages {
			if err := page.VerifyChecksum(p); err != nil {
				return errors.Wrapf(err, "journal tx %d", h.TxID)
			}
			if err := e.storage.WritePage(p); err != nil {
				return err
			}
		}
		last = &h
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "journal recovery")
	}

	if last != nil {
		if err := e.storage.WriteHeader(storage.Header{TxID: last.TxID, NextPage: last.NextPage, Root: last.Root}); err != nil {
			return err
		}
		e.log.Info("journal recovered", "files", stats.Files, "transactions", stats.Transactions, "pages", stats.Pages, "tx", stats.LastTxID)
	}
	if stats.TornTail {
		e.log.Warn("journal ended with a torn record", "last_tx", stats.LastTxID)
	}
	return e.journal.Reset(e.storage.Header().TxID)
}

// bootstrap creates the root tree of a new data file and flushes it so the
// header points at a valid tree.
func (e *Env) bootstrap() error {
	tx, err := e.BeginLowLevelTransaction(TxReadWrite)
	if err != nil {
		return err
	}
	root, err := createTree(tx, 0)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.SetRoot(root.State()); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.FlushJournal()
}

// rebuildFreeSpace marks every page no committed tree can reach as free.
func (e *Env) rebuildFreeSpace() error {
	tx, err := e.BeginLowLevelTransaction(TxRead)
	if err != nil {
		return err
	}
	defer tx.Dispose()

	reachable, err := reachablePages(tx)
	if err != nil {
		return errors.Wrap(err, "free space rebuild")
	}
	free := e.freeSpace.Rebuild(storage.FirstDataPage, tx.NextPage(), reachable)
	if free > 0 {
		e.log.Info("free space rebuilt", "free_pages", free, "used_pages", len(reachable))
	}
	return nil
}

// BeginLowLevelTransaction starts a transaction. A write transaction blocks
// until the previous writer finishes.
func (e *Env) BeginLowLevelTransaction(flags TxFlags) (*LowLevelTransaction, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	if flags == TxReadWrite {
		e.writeMu.Lock()
		if err := e.check(); err != nil {
			e.writeMu.Unlock()
			return nil, err
		}
		return e.newWriteTx(nil), nil
	}

	e.stateMu.RLock()
	st := e.visible
	slot, err := e.readers.Register(st.txID)
	if err != nil {
		e.stateMu.RUnlock()
		return nil, err
	}
	snap := e.journal.Snapshot(st.txID)
	e.stateMu.RUnlock()

	tx := &LowLevelTransaction{
		env:      e,
		id:       st.txID,
		flags:    TxRead,
		root:     st.root,
		nextPage: st.nextPage,
		snap:     snap,
		slot:     slot,
	}
	e.track(tx)
	return tx, nil
}

// newWriteTx builds a write transaction on top of e.writer. The caller holds
// writeMu. ws is reused when the caller hands over its bookkeeping.
func (e *Env) newWriteTx(ws *writeState) *LowLevelTransaction {
	if ws == nil {
		ws = e.writeStates.Get().(*writeState)
		ws.reset()
	}
	tx := &LowLevelTransaction{
		env:      e,
		id:       e.writer.txID + 1,
		flags:    TxReadWrite,
		root:     e.writer.root,
		nextPage: e.writer.nextPage,
		snap:     e.journal.WriterSnapshot(),
		slot:     -1,
		ws:       ws,
		ownsLock: true,
	}
	e.asyncMu.Lock()
	tx.prev = e.pending
	e.asyncMu.Unlock()
	e.track(tx)
	return tx
}

// BeginTransaction starts a high level transaction.
func (e *Env) BeginTransaction(flags TxFlags) (*Transaction, error) {
	llt, err := e.BeginLowLevelTransaction(flags)
	if err != nil {
		return nil, err
	}
	return newTransaction(llt), nil
}

// View runs fn in a read transaction.
func (e *Env) View(fn func(tx *Transaction) error) error {
	tx, err := e.BeginTransaction(TxRead)
	if err != nil {
		return err
	}
	defer tx.Dispose()
	return fn(tx)
}

// Update runs fn in a write transaction and commits it when fn returns nil.
func (e *Env) Update(fn func(tx *Transaction) error) error {
	tx, err := e.BeginTransaction(TxReadWrite)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (e *Env) check() error {
	if e.closed.Load() {
		return ErrEnvClosed
	}
	if p := e.failure.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrEnvFailed, *p)
	}
	return nil
}

// fail poisons the environment after a journal write error or a damaged
// commit. Only the first error is kept.
func (e *Env) fail(err error) {
	if e.failure.CompareAndSwap(nil, &err) {
		e.log.Error("environment failed", "error", err)
	}
}

func (e *Env) publish(st envState) {
	e.stateMu.Lock()
	if st.txID > e.visible.txID {
		e.visible = st
	}
	e.stateMu.Unlock()
}

func (e *Env) track(tx *LowLevelTransaction) {
	e.activeMu.Lock()
	e.active[tx] = struct{}{}
	e.activeMu.Unlock()
}

func (e *Env) untrack(tx *LowLevelTransaction) {
	e.activeMu.Lock()
	delete(e.active, tx)
	e.activeMu.Unlock()
}

// FlushJournal writes journaled pages into the data file up to the newest
// transaction that is durable, visible and not newer than the oldest reader.
func (e *Env) FlushJournal() error {
	if err := e.check(); err != nil {
		return err
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flush()
}

func (e *Env) flush() error {
	e.stateMu.Lock()
	target := e.visible.txID
	if oldest, ok := e.readers.Oldest(); ok && oldest < target {
		target = oldest
	}
	e.stateMu.Unlock()
	if last := e.journal.LastWritten(); last < target {
		target = last
	}
	if target <= e.journal.LastFlushed() {
		return nil
	}

	start := time.Now()
	flushed, pages, err := e.journal.Flush(target, func(pages []page.Page, h journal.TxHeader) error {
		for _, p := range pages {
			if err := e.storage.WritePage(p); err != nil {
				return err
			}
		}
		return e.storage.WriteHeader(storage.Header{TxID: h.TxID, NextPage: h.NextPage, Root: h.Root})
	})
	if err != nil {
		e.log.Error("journal flush failed", "target", target, "error", err)
		return errors.Wrap(err, "journal flush")
	}
	if pages > 0 {
		e.log.Info("journal flushed", "tx", flushed, "pages", pages, "duration", time.Since(start))
	}
	return nil
}

func (e *Env) backgroundFlusher() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopC:
			return
		case <-ticker.C:
			// A foreground flush already covers this tick.
			if !e.flushMu.TryLock() {
				continue
			}
			if err := e.flush(); err != nil {
				e.log.Warn("background flush failed", "error", err)
			}
			e.flushMu.Unlock()
		}
	}
}

// Stats reports environment state.
type Stats struct {
	LastCommittedTx    uint64
	NextPage           int64
	FreePages          int
	ActiveReaders      int
	ActiveTransactions int

	ScratchFiles      int
	ScratchPagesInUse int

	JournalFiles       int
	JournalPages       int
	JournalUnflushed   int
	JournalLastWritten uint64
	JournalLastFlushed uint64

	DataPages   int64
	PageReads   uint64
	PageWrites  uint64
	CacheHits   uint64
	CacheMisses uint64
	ReadAhead   uint64
}

func (e *Env) Stats() Stats {
	e.stateMu.RLock()
	st := e.visible
	e.stateMu.RUnlock()
	e.activeMu.Lock()
	active := len(e.active)
	e.activeMu.Unlock()

	ss := e.scratch.Stats()
	js := e.journal.Stats()
	ds := e.storage.Stats()
	return Stats{
		LastCommittedTx:    st.txID,
		NextPage:           st.nextPage,
		FreePages:          e.freeSpace.Count(),
		ActiveReaders:      e.readers.Active(),
		ActiveTransactions: active,
		ScratchFiles:       ss.Files,
		ScratchPagesInUse:  ss.PagesInUse,
		JournalFiles:       js.Files,
		JournalPages:       js.Pages,
		JournalUnflushed:   js.Unflushed,
		JournalLastWritten: js.LastWritten,
		JournalLastFlushed: js.LastFlushed,
		DataPages:          e.storage.Pages(),
		PageReads:          ds.Reads,
		PageWrites:         ds.Writes,
		CacheHits:          ds.CacheHits,
		CacheMisses:        ds.CacheMisses,
		ReadAhead:          ds.Advised,
	}
}

// PageSize returns the environment's page size.
func (e *Env) PageSize() int { return e.opts.pageSize }

// Path returns the environment directory.
func (e *Env) Path() string { return e.dir }

// Close ends a pending async commit, flushes the journal and closes all files.
// Transactions still open are not waited for.
func (e *Env) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopC)
	e.wg.Wait()

	var firstErr error
	e.asyncMu.Lock()
	pending := e.pending
	e.asyncMu.Unlock()
	if pending != nil {
		if err := pending.EndAsyncCommit(); err != nil {
			firstErr = err
		}
	}

	if e.failure.Load() == nil {
		e.flushMu.Lock()
		if err := e.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.flushMu.Unlock()
	}

	if err := e.closeFiles(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.log.Info("environment closed", "dir", e.dir)
	return firstErr
}

func (e *Env) closeFiles() error {
	var firstErr error
	if err := e.journal.Close(); err != nil {
		firstErr = err
	}
	if err := e.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
