// Package journal implements the write-ahead journal. Committed transactions
// are appended as records to numbered journal files and their pages are kept
// in an in-memory translation table (backed by scratch buffers) until a flush
// copies them into the data file.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pagedb/internal/page"
	"pagedb/internal/scratch"
)

const fileExt = ".journal"

var ErrClosed = errors.New("journal is closed")

type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// SyncMode mirrors the environment's durability setting.
type SyncMode int

const (
	SyncAlways SyncMode = iota
	SyncBytes
	SyncNever
)

type Options struct {
	Dir         string
	PageSize    int
	FileSize    int64
	Compression bool
	SyncMode    SyncMode
	SyncBytes   int64
}

// PageWrite is one modified page (or overflow run) of a committing
// transaction. Data aliases the scratch buffer behind Ref.
type PageWrite struct {
	Number int64
	Ref    scratch.PageRef
	Data   page.Page
}

type version struct {
	txID uint64
	ref  scratch.PageRef
}

// File is one journal file. Snapshots pin files so a file is only deleted
// once it is fully flushed and nobody references it.
type File struct {
	Number int64
	path   string
	f      *os.File
	size   int64
	lastTx uint64
	refs   int32
	done   bool // fully flushed, delete when unpinned
}

// Stats reports journal state.
type Stats struct {
	Files          int
	Pages          int
	Unflushed      int
	LastWritten    uint64
	LastFlushed    uint64
	BytesWritten   uint64
	RecordsWritten uint64
}

type Journal struct {
	opts Options
	pool *scratch.Pool
	log  Logger

	mu          sync.RWMutex // guards table, unflushed, files, current, lastFlushed
	table       map[int64][]version
	unflushed   []TxHeader
	files       []*File
	current     *File
	lastFlushed uint64

	writeMu     sync.Mutex // serializes Write
	lastWritten atomic.Uint64
	nextNumber  int64
	unsynced    int64
	closed      bool

	flushMu sync.Mutex

	bytesWritten atomic.Uint64
	records      atomic.Uint64
}

// Open prepares the journal directory. Call Recover and then Reset before
// writing.
func Open(opts Options, pool *scratch.Pool, log Logger) (*Journal, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Journal{
		opts:  opts,
		pool:  pool,
		log:   log,
		table: make(map[int64][]version),
	}, nil
}

func fileName(number int64) string {
	return fmt.Sprintf("%019d%s", number, fileExt)
}

// listFiles returns the journal file numbers present on disk in order.
func (j *Journal) listFiles() ([]int64, error) {
	entries, err := os.ReadDir(j.opts.Dir)
	if err != nil {
		return nil, err
	}
	var numbers []int64
	for _, e := range entries {
		var n int64
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "%019d"+fileExt, &n); err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(a, b int) bool { return numbers[a] < numbers[b] })
	return numbers, nil
}

// Reset deletes every journal file and starts a fresh one. lastTx is the id
// of the newest transaction already in the data file.
func (j *Journal) Reset(lastTx uint64) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	numbers, err := j.listFiles()
	if err != nil {
		return err
	}
	for _, n := range numbers {
		if err := os.Remove(filepath.Join(j.opts.Dir, fileName(n))); err != nil {
			return err
		}
		j.nextNumber = max(j.nextNumber, n+1)
	}

	j.mu.Lock()
	for _, f := range j.files {
		if f.f != nil {
			_ = f.f.Close()
		}
	}
	j.files = nil
	j.current = nil
	j.unflushed = nil
	j.lastFlushed = lastTx
	j.mu.Unlock()

	j.lastWritten.Store(lastTx)
	return j.rotate()
}

// rotate starts a new journal file. Caller holds writeMu.
func (j *Journal) rotate() error {
	number := j.nextNumber
	path := filepath.Join(j.opts.Dir, fileName(number))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.nextNumber++

	jf := &File{Number: number, path: path, f: f}

	j.mu.Lock()
	prev := j.current
	j.files = append(j.files, jf)
	j.current = jf
	j.mu.Unlock()

	if prev != nil {
		if err := prev.f.Sync(); err != nil {
			return err
		}
		_ = prev.f.Close()
		prev.f = nil
		j.log.Info("journal file rotated", "file", prev.Number, "size", prev.size, "next", number)
		j.retire()
	}
	return nil
}

// Publish makes pages of txID visible to the writer and, once the environment
// advances its visible transaction, to new readers. Ownership of the scratch
// buffers moves to the journal.
func (j *Journal) Publish(txID uint64, pages []PageWrite) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, p := range pages {
		j.table[p.Number] = append(j.table[p.Number], version{txID: txID, ref: p.Ref})
	}
}

// Write appends a record for h and fsyncs according to the sync mode.
// Transaction ids must strictly increase.
func (j *Journal) Write(h TxHeader, pages []PageWrite) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if last := j.lastWritten.Load(); h.TxID <= last {
		return errors.Wrapf(page.ErrCorruption, "journal: tx %d written after tx %d", h.TxID, last)
	}

	h.Flags |= TxCommit
	if h.Timestamp == 0 {
		h.Timestamp = time.Now().UnixNano()
	}
	rec := encodeRecord(&h, pages, j.opts.Compression)

	if j.current.size > 0 && j.current.size+int64(len(rec)) > j.opts.FileSize {
		if err := j.rotate(); err != nil {
			return errors.Wrap(err, "journal: rotate")
		}
	}

	cur := j.current
	if _, err := cur.f.WriteAt(rec, cur.size); err != nil {
		_ = cur.f.Truncate(cur.size)
		return errors.Wrapf(err, "journal: write tx %d", h.TxID)
	}
	if err := j.sync(cur, int64(len(rec))); err != nil {
		return errors.Wrapf(err, "journal: sync tx %d", h.TxID)
	}

	j.mu.Lock()
	cur.size += int64(len(rec))
	cur.lastTx = h.TxID
	j.unflushed = append(j.unflushed, h)
	j.mu.Unlock()

	j.lastWritten.Store(h.TxID)
	j.bytesWritten.Add(uint64(len(rec)))
	j.records.Add(1)
	return nil
}

func (j *Journal) sync(f *File, n int64) error {
	switch j.opts.SyncMode {
	case SyncNever:
		return nil
	case SyncBytes:
		j.unsynced += n
		if j.unsynced < j.opts.SyncBytes {
			return nil
		}
	}
	j.unsynced = 0
	return f.f.Sync()
}

// LastWritten is the id of the newest durable record.
func (j *Journal) LastWritten() uint64 {
	return j.lastWritten.Load()
}

func (j *Journal) LastFlushed() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastFlushed
}

// ApplyFunc receives the newest version of every page touched up to the
// flushed transaction, ordered by the transaction that wrote it and then by
// page number, together with that transaction's header.
type ApplyFunc func(pages []page.Page, h TxHeader) error

// Flush moves pages of transactions up to target into the data file through
// apply and drops them from the translation table. It returns the id of the
// transaction the data file now reflects, or 0 when there was nothing to do.
func (j *Journal) Flush(target uint64, apply ApplyFunc) (uint64, int, error) {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.RLock()
	idx := -1
	for i, h := range j.unflushed {
		if h.TxID > target {
			break
		}
		idx = i
	}
	if idx < 0 {
		j.mu.RUnlock()
		return 0, 0, nil
	}
	header := j.unflushed[idx]

	numbers := make([]int64, 0, len(j.table))
	newest := make(map[int64]version)
	for n, vs := range j.table {
		for i := len(vs) - 1; i >= 0; i-- {
			if vs[i].txID <= header.TxID {
				numbers = append(numbers, n)
				newest[n] = vs[i]
				break
			}
		}
	}
	j.mu.RUnlock()

	// Versions up to header.TxID are only dropped below, so their buffers
	// stay valid without holding the lock.
	// An overflow run of a later transaction can cover page numbers whose
	// older single page versions are still in the table, so older versions
	// are written first.
	sort.Slice(numbers, func(a, b int) bool {
		va, vb := newest[numbers[a]], newest[numbers[b]]
		if va.txID != vb.txID {
			return va.txID < vb.txID
		}
		return numbers[a] < numbers[b]
	})
	pages := make([]page.Page, 0, len(numbers))
	for _, n := range numbers {
		pages = append(pages, page.Page(j.pool.Read(newest[n].ref)))
	}
	if err := apply(pages, header); err != nil {
		return 0, 0, err
	}

	var release []scratch.PageRef
	j.mu.Lock()
	for _, n := range numbers {
		vs := j.table[n]
		keep := vs[:0]
		for _, v := range vs {
			if v.txID <= header.TxID {
				release = append(release, v.ref)
			} else {
				keep = append(keep, v)
			}
		}
		if len(keep) == 0 {
			delete(j.table, n)
		} else {
			j.table[n] = keep
		}
	}
	j.unflushed = append(j.unflushed[:0], j.unflushed[idx+1:]...)
	j.lastFlushed = header.TxID
	j.mu.Unlock()

	for _, ref := range release {
		if err := j.pool.Release(ref); err != nil {
			j.log.Error("failed to release scratch buffer after flush", "error", err)
		}
	}
	j.retire()
	return header.TxID, len(pages), nil
}

// retire deletes files whose transactions are all flushed and which no
// snapshot pins.
func (j *Journal) retire() {
	j.mu.Lock()
	var remove []*File
	keep := j.files[:0]
	for _, f := range j.files {
		if f != j.current && f.lastTx <= j.lastFlushed {
			f.done = true
		}
		if f.done && f.refs == 0 {
			remove = append(remove, f)
			continue
		}
		keep = append(keep, f)
	}
	j.files = keep
	j.mu.Unlock()

	for _, f := range remove {
		if f.f != nil {
			_ = f.f.Close()
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			j.log.Warn("failed to delete journal file", "file", f.Number, "error", err)
			continue
		}
		j.log.Info("journal file deleted", "file", f.Number)
	}
}

func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	pages := 0
	for _, vs := range j.table {
		pages += len(vs)
	}
	return Stats{
		Files:          len(j.files),
		Pages:          pages,
		Unflushed:      len(j.unflushed),
		LastWritten:    j.lastWritten.Load(),
		LastFlushed:    j.lastFlushed,
		BytesWritten:   j.bytesWritten.Load(),
		RecordsWritten: j.records.Load(),
	}
}

// Close syncs and closes the current file. Journal files stay on disk for
// recovery unless they were retired by a flush.
func (j *Journal) Close() error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	for _, f := range j.files {
		if f.f == nil {
			continue
		}
		if serr := f.f.Sync(); err == nil {
			err = serr
		}
		if cerr := f.f.Close(); err == nil {
			err = cerr
		}
		f.f = nil
	}
	return err
}
