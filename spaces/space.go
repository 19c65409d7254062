// ABOUTME: Paged space owning a set of pages and their shared free list
// ABOUTME: Provides allocation, explicit free, sweeping and page release

package spaces

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/prateek/heapkeep/heap"
)

// ErrObjectTooLarge is returned for allocations that cannot fit a page.
var ErrObjectTooLarge = errors.New("object larger than a page")

// Space is a collection of pages sharing one free list.
//
// A Space is not safe for concurrent use; the owning heap serializes
// access to it.
type Space struct {
	name      string
	allocator *MemoryAllocator
	freeList  *FreeList
	pages     []*Page
	opts      options
}

// NewSpace returns an empty space drawing pages from allocator.
func NewSpace(name string, allocator *MemoryAllocator, opts ...Option) *Space {
	o := buildOptions(opts)
	return &Space{
		name:      name,
		allocator: allocator,
		freeList:  newFreeList(o.sizeClasses),
		opts:      o,
	}
}

// Name returns the space name.
func (s *Space) Name() string { return s.name }

// NumberOfCategories returns the number of free-list size classes.
func (s *Space) NumberOfCategories() int { return s.freeList.NumberOfCategories() }

// FreeList returns the allocator-facing free list.
func (s *Space) FreeList() *FreeList { return s.freeList }

// Available returns the free bytes visible to allocation.
func (s *Space) Available() int { return s.freeList.Available() }

// Pages returns the pages in creation order.
func (s *Space) Pages() []*Page { return slices.Clone(s.pages) }

// NumberOfPages returns the number of pages.
func (s *Space) NumberOfPages() int { return len(s.pages) }

// LiveBytes returns the bytes covered by objects in the space.
func (s *Space) LiveBytes() int {
	sum := 0
	for _, p := range s.pages {
		sum += p.liveBytes
	}
	return sum
}

func (s *Space) log() *slog.Logger { return s.opts.log() }

// PageOf returns the page of s containing a, or nil.
func (s *Space) PageOf(a heap.Address) *Page {
	p := s.allocator.PageOf(a)
	if p == nil || p.owner != s {
		return nil
	}
	return p
}

// Expand adds a fresh, entirely free page to the space.
func (s *Space) Expand() (*Page, error) {
	p, err := s.allocator.AllocatePage(s)
	if err != nil {
		return nil, err
	}
	s.pages = append(s.pages, p)
	p.InitializeFreeListCategories()
	return p, nil
}

// AlignSize rounds size up to a whole number of tagged slots.
func AlignSize(size int) int {
	return (size + heap.TaggedSize - 1) &^ (heap.TaggedSize - 1)
}

// Allocate reserves size bytes, expanding the space when the free list
// cannot satisfy the request.
func (s *Space) Allocate(size int) (heap.Address, error) {
	heap.Checkf(size > 0, "%s: allocation of %d bytes", s.name, size)
	size = AlignSize(size)
	if size > heap.PageSize {
		return 0, fmt.Errorf("%s: allocating %d bytes: %w", s.name, size, ErrObjectTooLarge)
	}

	p, offset, ok := s.freeList.Allocate(size)
	if !ok {
		if _, err := s.Expand(); err != nil {
			return 0, err
		}
		p, offset, ok = s.freeList.Allocate(size)
		heap.Checkf(ok, "%s: fresh page cannot hold %d bytes", s.name, size)
	}
	heap.Checkf(!p.IsEvacuationCandidate(), "%s: allocation landed on evacuation candidate %d", s.name, p.id)
	p.addObject(offset, size)
	return heap.MakeAddress(p.id, offset), nil
}

// Free drops the object starting at a. Its memory returns to the free
// list unless the page is an evacuation candidate.
func (s *Space) Free(a heap.Address) {
	p := s.PageOf(a)
	heap.Checkf(p != nil, "%s: freeing %v outside the space", s.name, a)
	size := p.removeObject(a.Offset())
	if !p.IsEvacuationCandidate() {
		p.Free(a.Offset(), size)
	}
}

// Sweep drops every object for which isLive is false from the pages
// that are not evacuation candidates, clears their remembered sets and
// abort markers, and rebuilds their free lists. It returns the bytes freed.
func (s *Space) Sweep(isLive func(heap.Address) bool) int {
	freed := 0
	for _, p := range s.pages {
		if p.IsEvacuationCandidate() {
			continue
		}
		for a, size := range p.Objects() {
			if !isLive(a) {
				p.removeObject(a.Offset())
				freed += size
			}
		}
		p.ClearRememberedSets()
		p.clearCompactionAborted()
		p.InitializeFreeListCategories()
	}
	s.log().Debug("swept space", "space", s.name, "freed", freed, "available", s.Available())
	return freed
}

// ReleasePage returns a fully evacuated candidate to the allocator pool.
func (s *Space) ReleasePage(p *Page) {
	heap.Checkf(p.owner == s, "%s: releasing page %d of %s", s.name, p.id, p.owner.name)
	heap.Checkf(p.IsEvacuationCandidate() && !p.CompactionWasAborted(),
		"%s: releasing page %d that was not evacuated (flags %v)", s.name, p.id, p.flags)
	i := slices.Index(s.pages, p)
	heap.Checkf(i >= 0, "%s: page %d not in space", s.name, p.id)
	s.pages = slices.Delete(s.pages, i, i+1)
	p.ClearRememberedSets()
	s.allocator.Free(p, FreePooled)
}
