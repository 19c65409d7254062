// ABOUTME: Memory allocator that carves pages for spaces from a raw page source
// ABOUTME: Keeps the page table used to resolve addresses and a pool of freed pages

package spaces

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/prateek/heapkeep/heap"
)

// ErrOutOfPages is returned when the page source cannot supply another page.
var ErrOutOfPages = errors.New("out of pages")

// PageSource supplies raw page-sized memory, identified by page id.
type PageSource interface {
	Reserve() (uint32, error)
	Release(id uint32)
}

type boundedSource struct {
	mu       sync.Mutex
	limit    int
	next     uint32
	reserved int
	released []uint32
}

// NewPageSource returns an in-memory source handing out at most limit
// pages at a time. A limit <= 0 means no limit beyond the id space.
func NewPageSource(limit int) PageSource {
	return &boundedSource{limit: limit, next: 1}
}

func (s *boundedSource) Reserve() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.reserved >= s.limit {
		return 0, fmt.Errorf("reserving page (%d of %d in use): %w", s.reserved, s.limit, ErrOutOfPages)
	}
	var id uint32
	if n := len(s.released); n > 0 {
		id = s.released[n-1]
		s.released = s.released[:n-1]
	} else {
		if s.next == math.MaxUint32 {
			return 0, fmt.Errorf("page id space exhausted: %w", ErrOutOfPages)
		}
		id = s.next
		s.next++
	}
	s.reserved++
	return id, nil
}

func (s *boundedSource) Release(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved--
	s.released = append(s.released, id)
}

// FreeMode selects what Free does with a page's memory.
type FreeMode int

const (
	// FreeImmediately returns the memory to the page source.
	FreeImmediately FreeMode = iota
	// FreePooled keeps the memory for the next AllocatePage.
	FreePooled
)

// MemoryAllocator creates and destroys page metadata and resolves
// addresses to pages.
type MemoryAllocator struct {
	mu     sync.RWMutex
	source PageSource
	pool   []uint32
	pages  map[uint32]*Page
	opts   options
}

// NewMemoryAllocator returns an allocator drawing pages from source.
func NewMemoryAllocator(source PageSource, opts ...Option) *MemoryAllocator {
	return &MemoryAllocator{
		source: source,
		pages:  make(map[uint32]*Page),
		opts:   buildOptions(opts),
	}
}

// AllocatePage creates a page owned by space, preferring pooled memory.
func (m *MemoryAllocator) AllocatePage(space *Space) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint32
	if n := len(m.pool); n > 0 {
		id = m.pool[n-1]
		m.pool = m.pool[:n-1]
	} else {
		var err error
		id, err = m.source.Reserve()
		if err != nil {
			return nil, fmt.Errorf("allocating page for %s: %w", space.name, err)
		}
	}
	heap.Checkf(m.pages[id] == nil, "page %d allocated twice", id)

	p := newPage(id, space)
	m.pages[id] = p
	m.opts.log().Debug("page allocated", "space", space.name, "page", id)
	return p, nil
}

// Free unregisters p and hands its memory back according to mode.
func (m *MemoryAllocator) Free(p *Page, mode FreeMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	heap.Checkf(!p.flags.Has(PreFreed), "page %d freed twice", p.id)
	heap.Checkf(m.pages[p.id] == p, "page %d is not registered", p.id)
	p.flags |= PreFreed
	delete(m.pages, p.id)

	switch mode {
	case FreePooled:
		m.pool = append(m.pool, p.id)
	default:
		m.source.Release(p.id)
	}
	m.opts.log().Debug("page freed", "space", p.owner.name, "page", p.id, "pooled", mode == FreePooled)
}

// PageOf returns the registered page containing a, or nil.
func (m *MemoryAllocator) PageOf(a heap.Address) *Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages[a.Page()]
}

// NumberOfPages returns the number of registered pages.
func (m *MemoryAllocator) NumberOfPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// PooledPages returns the number of pages cached for reuse.
func (m *MemoryAllocator) PooledPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pool)
}
