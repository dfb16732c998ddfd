// Package scratch holds page buffers that were modified by in-flight or
// not-yet-flushed transactions. Buffers live in fixed-size arenas ("scratch
// files") and are addressed by (file, position).
package scratch

import (
	"errors"
	"sync"
)

var ErrInvalidRef = errors.New("scratch: reference does not point to an allocation")

// PageRef locates an allocation inside the pool.
type PageRef struct {
	File     int32
	Position int32
	Pages    int32
}

type file struct {
	id       int32
	buf      []byte
	pages    int
	next     int           // bump pointer, in pages
	free     map[int][]int // run length -> positions
	inUse    int           // pages currently allocated
	refs     map[int32]int // position -> run length
	oversize bool
}

func (f *file) allocate(n int) (int, bool) {
	if runs := f.free[n]; len(runs) > 0 {
		pos := runs[len(runs)-1]
		f.free[n] = runs[:len(runs)-1]
		return pos, true
	}
	if f.next+n > f.pages {
		return 0, false
	}
	pos := f.next
	f.next += n
	return pos, true
}

func (f *file) reset() {
	f.next = 0
	f.inUse = 0
	clear(f.free)
	clear(f.refs)
}

// Stats reports pool occupancy.
type Stats struct {
	Files       int
	PagesInUse  int
	Allocations uint64
	Releases    uint64
}

// Pool is shared by the environment. Allocate and Release are called by the
// writer and by the journal flusher, so the pool carries its own lock.
type Pool struct {
	mu        sync.Mutex
	pageSize  int
	filePages int
	files     map[int32]*file
	current   *file
	nextID    int32
	stats     Stats
}

// NewPool creates a pool whose arenas hold filePages pages of pageSize bytes.
func NewPool(pageSize, filePages int) *Pool {
	p := &Pool{
		pageSize:  pageSize,
		filePages: max(filePages, 16),
		files:     make(map[int32]*file),
	}
	p.current = p.newFile(p.filePages, false)
	return p
}

func (p *Pool) newFile(pages int, oversize bool) *file {
	f := &file{
		id:       p.nextID,
		buf:      make([]byte, pages*p.pageSize),
		pages:    pages,
		free:     make(map[int][]int),
		refs:     make(map[int32]int),
		oversize: oversize,
	}
	p.nextID++
	p.files[f.id] = f
	return f
}

// Allocate reserves a zeroed run of n contiguous pages.
func (p *Pool) Allocate(n int) (PageRef, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var f *file
	var pos int
	switch {
	case n > p.filePages:
		f = p.newFile(n, true)
		pos, _ = f.allocate(n)
	default:
		var ok bool
		if pos, ok = p.current.allocate(n); ok {
			f = p.current
		} else {
			p.retire(p.current)
			p.current = p.newFile(p.filePages, false)
			f = p.current
			pos, _ = f.allocate(n)
		}
	}

	f.inUse += n
	f.refs[int32(pos)] = n
	p.stats.Allocations++
	p.stats.PagesInUse += n

	buf := f.buf[pos*p.pageSize : (pos+n)*p.pageSize]
	clear(buf)
	return PageRef{File: f.id, Position: int32(pos), Pages: int32(n)}, buf
}

// Read returns the buffer behind ref. The slice aliases pool memory and is
// only valid until ref is released.
func (p *Pool) Read(ref PageRef) []byte {
	p.mu.Lock()
	f := p.files[ref.File]
	p.mu.Unlock()
	if f == nil {
		return nil
	}
	start := int(ref.Position) * p.pageSize
	return f.buf[start : start+int(ref.Pages)*p.pageSize]
}

// Release returns ref's pages to the pool.
func (p *Pool) Release(ref PageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.files[ref.File]
	if f == nil {
		return ErrInvalidRef
	}
	n, ok := f.refs[ref.Position]
	if !ok || n != int(ref.Pages) {
		return ErrInvalidRef
	}
	delete(f.refs, ref.Position)
	f.inUse -= n
	p.stats.Releases++
	p.stats.PagesInUse -= n

	if f.inUse == 0 {
		if f == p.current {
			f.reset()
		} else {
			delete(p.files, f.id)
		}
		return nil
	}
	f.free[n] = append(f.free[n], int(ref.Position))
	return nil
}

// Split cuts an allocation into a head of headPages pages and one single-page
// reference per remaining page. The memory stays where it is.
func (p *Pool) Split(ref PageRef, headPages int) (PageRef, []PageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.files[ref.File]
	if f == nil {
		return PageRef{}, nil, ErrInvalidRef
	}
	if n, ok := f.refs[ref.Position]; !ok || n != int(ref.Pages) || headPages < 1 || headPages > n {
		return PageRef{}, nil, ErrInvalidRef
	}

	head := PageRef{File: ref.File, Position: ref.Position, Pages: int32(headPages)}
	f.refs[ref.Position] = headPages
	tail := make([]PageRef, 0, int(ref.Pages)-headPages)
	for i := headPages; i < int(ref.Pages); i++ {
		pos := ref.Position + int32(i)
		f.refs[pos] = 1
		tail = append(tail, PageRef{File: ref.File, Position: pos, Pages: 1})
	}
	return head, tail, nil
}

// retire drops a file that is no longer current once nothing is allocated
// from it.
func (p *Pool) retire(f *file) {
	if f.inUse == 0 {
		delete(p.files, f.id)
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Files = len(p.files)
	return s
}

func (p *Pool) PageSize() int {
	return p.pageSize
}
