package storage

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"

	"pagedb/internal/page"
)

const (
	// FirstDataPage follows the two file header pages.
	FirstDataPage = 2

	magic         uint64 = 0x3142444741505f5f // "__PAGDB1"
	formatVersion uint32 = 1

	minCacheSize = 16
)

var (
	ErrLocked           = errors.New("data file is locked by another process")
	ErrPageSizeMismatch = errors.New("page size does not match the data file")
	ErrNoValidHeader    = errors.New("no valid file header")
)

// Logger is the subset of the environment logger used here.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// Header is the durable root of the data file. It describes the newest
// transaction whose pages have all been written to the data file.
type Header struct {
	TxID     uint64
	NextPage int64
	Root     page.TreeState
}

// Options configures a Storage.
type Options struct {
	PageSize  int
	CacheSize int // pages, 0 disables the cache
	NoSync    bool
}

// Stats holds I/O counters.
type Stats struct {
	Reads       uint64
	Writes      uint64
	CacheHits   uint64
	CacheMisses uint64
	Syncs       uint64
	Advised     uint64
}

// Storage is the base data file. Pages read from it are validated against
// their checksum before they are handed out or cached.
type Storage struct {
	file     *os.File
	pageSize int
	noSync   bool
	log      Logger
	cache    *freelru.SyncedLRU[int64, page.Page]

	mu         sync.Mutex // guards header and headerSlot
	header     Header
	headerSlot int

	pages atomic.Int64 // file length in pages

	reads  atomic.Uint64
	writes atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
	syncs  atomic.Uint64
	advise atomic.Uint64
}

func hashPageNumber(n int64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return uint32(xxhash.Sum64(b[:]))
}

// Open opens or creates the data file at path. created reports whether a new
// file was initialized.
func Open(path string, opts Options, log Logger) (s *Storage, created bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, err
	}
	if err = lockFile(f); err != nil {
		_ = f.Close()
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = unlockFile(f)
			_ = f.Close()
		}
	}()

	s = &Storage{
		file:     f,
		pageSize: opts.PageSize,
		noSync:   opts.NoSync,
		log:      log,
	}
	if opts.CacheSize > 0 {
		s.cache, err = freelru.NewSynced[int64, page.Page](uint32(max(opts.CacheSize, minCacheSize)), hashPageNumber)
		if err != nil {
			return nil, false, err
		}
	}

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() == 0 {
		if err = s.initialize(); err != nil {
			return nil, false, err
		}
		return s, true, nil
	}

	s.pages.Store(info.Size() / int64(opts.PageSize))
	if err = s.loadHeader(); err != nil {
		return nil, false, err
	}
	return s, false, nil
}

func (s *Storage) initialize() error {
	h := Header{NextPage: FirstDataPage, Root: page.TreeState{RootPage: -1}}
	for slot := 0; slot < 2; slot++ {
		if err := s.writeHeaderSlot(slot, h); err != nil {
			return err
		}
	}
	s.header = h
	s.headerSlot = 1
	return s.Sync()
}

func (s *Storage) loadHeader() error {
	var (
		best  Header
		found bool
	)
	for slot := 0; slot < 2; slot++ {
		h, err := s.readHeaderSlot(slot)
		if err != nil {
			if errors.Is(err, ErrPageSizeMismatch) {
				return err
			}
			s.log.Warn("skipping invalid file header", "slot", slot, "error", err)
			continue
		}
		if !found || h.TxID > best.TxID {
			best, found = h, true
			s.headerSlot = slot
		}
	}
	if !found {
		return errors.Wrap(page.ErrCorruption, ErrNoValidHeader.Error())
	}
	s.header = best
	return nil
}

func (s *Storage) readHeaderSlot(slot int) (Header, error) {
	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, int64(slot*s.pageSize)); err != nil && err != io.EOF {
		return Header{}, err
	}
	p := page.Page(buf)
	body := p[page.HeaderSize:]
	if binary.LittleEndian.Uint64(body[0:]) != magic {
		return Header{}, errors.Wrapf(page.ErrCorruption, "header slot %d: bad magic", slot)
	}
	if v := binary.LittleEndian.Uint32(body[8:]); v != formatVersion {
		return Header{}, errors.Wrapf(page.ErrCorruption, "header slot %d: unsupported version %d", slot, v)
	}
	if ps := int(binary.LittleEndian.Uint32(body[12:])); ps != s.pageSize {
		return Header{}, errors.Wrapf(ErrPageSizeMismatch, "file uses %d, configured %d", ps, s.pageSize)
	}
	if err := page.VerifyChecksum(p); err != nil {
		return Header{}, errors.WithStack(err)
	}
	return Header{
		TxID:     binary.LittleEndian.Uint64(body[16:]),
		NextPage: int64(binary.LittleEndian.Uint64(body[24:])),
		Root:     page.DecodeTreeState(body[32:]),
	}, nil
}

func (s *Storage) writeHeaderSlot(slot int, h Header) error {
	p := page.Page(make([]byte, s.pageSize))
	p.Init(int64(slot), page.FlagFileHeader)
	body := p[page.HeaderSize:]
	binary.LittleEndian.PutUint64(body[0:], magic)
	binary.LittleEndian.PutUint32(body[8:], formatVersion)
	binary.LittleEndian.PutUint32(body[12:], uint32(s.pageSize))
	binary.LittleEndian.PutUint64(body[16:], h.TxID)
	binary.LittleEndian.PutUint64(body[24:], uint64(h.NextPage))
	h.Root.Encode(body[32:])
	page.SetChecksum(p)

	if _, err := s.file.WriteAt(p, int64(slot*s.pageSize)); err != nil {
		return err
	}
	s.writes.Add(1)
	s.grow(int64(slot) + 1)
	return nil
}

// Header returns the current durable header.
func (s *Storage) Header() Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// WriteHeader syncs the data pages written so far and then alternates
// between the two header slots, so a torn header write leaves the previous
// one intact.
func (s *Storage) WriteHeader(h Header) error {
	if err := s.Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := 1 - s.headerSlot
	if err := s.writeHeaderSlot(slot, h); err != nil {
		return err
	}
	s.headerSlot = slot
	s.header = h
	return s.Sync()
}

// ReadPage reads and validates page n, including the rest of its overflow
// run. The returned page must not be modified.
func (s *Storage) ReadPage(n int64) (page.Page, error) {
	if s.cache != nil {
		if p, ok := s.cache.Get(n); ok {
			s.hits.Add(1)
			return p, nil
		}
		s.misses.Add(1)
	}

	if n < FirstDataPage || n >= s.pages.Load() {
		return nil, errors.Wrapf(page.ErrCorruption, "page %d is outside the data file", n)
	}

	buf := make([]byte, s.pageSize)
	if err := s.readAt(buf, n); err != nil {
		return nil, err
	}
	p := page.Page(buf)
	if p.IsOverflow() {
		count := int64(p.PageCount(s.pageSize))
		if p.OverflowSize() < 0 || n+count > s.pages.Load() {
			return nil, errors.Wrapf(page.ErrChecksumMismatch, "page %d: overflow size %d runs past the data file",
				n, p.OverflowSize())
		}
		if count > 1 {
			run := make([]byte, int(count)*s.pageSize)
			copy(run, buf)
			if err := s.readAt(run[s.pageSize:], n+1); err != nil {
				return nil, err
			}
			p = page.Page(run)
		}
	}

	if err := page.VerifyChecksum(p); err != nil {
		return nil, errors.Wrapf(err, "read page %d", n)
	}
	if p.Number() != n {
		return nil, errors.Wrapf(page.ErrCorruption, "page %d carries number %d", n, p.Number())
	}

	if s.cache != nil {
		s.cache.Add(n, p)
	}
	return p, nil
}

func (s *Storage) readAt(buf []byte, n int64) error {
	s.reads.Add(1)
	if _, err := s.file.ReadAt(buf, n*int64(s.pageSize)); err != nil {
		return errors.Wrapf(err, "read page %d", n)
	}
	return nil
}

// Advise hints the kernel that pages will be read soon. Pages past the end of
// the file and pages already cached are skipped.
func (s *Storage) Advise(pages []int64) {
	end := s.pages.Load()
	for _, n := range pages {
		if n < FirstDataPage || n >= end {
			continue
		}
		if s.cache != nil && s.cache.Contains(n) {
			continue
		}
		if err := adviseWillNeed(s.file, n*int64(s.pageSize), int64(s.pageSize)); err != nil {
			s.log.Warn("read-ahead hint failed", "page", n, "error", err)
			return
		}
		s.advise.Add(1)
	}
}

// WritePage writes p at its own page number.
func (s *Storage) WritePage(p page.Page) error {
	n := p.Number()
	count := p.PageCount(s.pageSize)
	if _, err := s.file.WriteAt(p[:count*s.pageSize], n*int64(s.pageSize)); err != nil {
		return errors.Wrapf(err, "write page %d", n)
	}
	s.writes.Add(1)
	s.grow(n + int64(count))
	if s.cache != nil {
		s.cache.Remove(n)
	}
	return nil
}

func (s *Storage) grow(pages int64) {
	for {
		cur := s.pages.Load()
		if pages <= cur || s.pages.CompareAndSwap(cur, pages) {
			return
		}
	}
}

func (s *Storage) Sync() error {
	if s.noSync {
		return nil
	}
	s.syncs.Add(1)
	return s.file.Sync()
}

func (s *Storage) PageSize() int {
	return s.pageSize
}

// Pages returns the length of the data file in pages.
func (s *Storage) Pages() int64 {
	return s.pages.Load()
}

func (s *Storage) Stats() Stats {
	return Stats{
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
		CacheHits:   s.hits.Load(),
		CacheMisses: s.misses.Load(),
		Syncs:       s.syncs.Load(),
		Advised:     s.advise.Load(),
	}
}

func (s *Storage) Close() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	err := s.Sync()
	if uerr := unlockFile(s.file); err == nil {
		err = uerr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
