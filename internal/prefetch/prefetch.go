// Package prefetch decides how far ahead of a sequential leaf scan to read.
package prefetch

const (
	minDistance = 2
	maxDistance = 8
)

// Direction of a scan.
type Direction int

const (
	None     Direction = 0
	Forward  Direction = 1
	Backward Direction = -1
)

// AdviseFunc receives the pages that are about to be read.
type AdviseFunc func(pages []int64)

// Prefetcher widens its window while a scan keeps moving in one direction
// and starts over when the direction changes. It is not safe for concurrent
// use.
type Prefetcher struct {
	direction Direction
	distance  int
	last      int64 // first candidate of the previous trigger
}

// Trigger is called when a scan enters a new leaf. candidates are the
// sibling leaves that follow it in scan order; the first distance of them
// are handed to advise. Repeated triggers for the same position are ignored.
func (p *Prefetcher) Trigger(candidates []int64, dir Direction, advise AdviseFunc) {
	if len(candidates) == 0 || dir == None {
		return
	}

	switch {
	case p.direction != dir:
		p.distance = minDistance
	case p.distance < maxDistance:
		p.distance++
	}
	p.direction = dir

	if p.last == candidates[0] {
		return
	}
	p.last = candidates[0]

	advise(candidates[:min(p.distance, len(candidates))])
}

// Distance is the current window.
func (p *Prefetcher) Distance() int { return p.distance }

// Reset forgets the scan, for example after a seek.
func (p *Prefetcher) Reset() {
	p.direction = None
	p.distance = minDistance
	p.last = 0
}
