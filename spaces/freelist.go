// ABOUTME: Size-class free-list categories and the space-wide free list
// ABOUTME: Categories are intrusively linked into their size-class bucket while allocatable

package spaces

import (
	"iter"
	"slices"
	"sort"

	"github.com/prateek/heapkeep/heap"
)

// FreeChunk is a free byte range within one page.
type FreeChunk struct {
	Offset int
	Size   int
}

// FreeListCategory holds the free chunks of one size class on one page.
type FreeListCategory struct {
	index     int
	page      *Page
	chunks    []FreeChunk
	available int

	// Links into FreeList.heads[index]. Only set while linked.
	prev, next *FreeListCategory
	linked     bool
}

// Index returns the size-class index.
func (c *FreeListCategory) Index() int { return c.index }

// Page returns the page the chunks belong to.
func (c *FreeListCategory) Page() *Page { return c.page }

// Available returns the free bytes held by the category.
func (c *FreeListCategory) Available() int { return c.available }

// Len returns the number of chunks.
func (c *FreeListCategory) Len() int { return len(c.chunks) }

// IsEmpty reports whether the category holds no chunk.
func (c *FreeListCategory) IsEmpty() bool { return len(c.chunks) == 0 }

// IsLinked reports whether the space allocator can currently see the category.
func (c *FreeListCategory) IsLinked() bool { return c.linked }

// Chunks yields the chunks, most recently freed first.
func (c *FreeListCategory) Chunks() iter.Seq[FreeChunk] {
	return func(yield func(FreeChunk) bool) {
		for i := len(c.chunks) - 1; i >= 0; i-- {
			if !yield(c.chunks[i]) {
				return
			}
		}
	}
}

func (c *FreeListCategory) push(ch FreeChunk) {
	c.chunks = append(c.chunks, ch)
	c.available += ch.Size
}

// take removes the most recently freed chunk of at least size bytes.
func (c *FreeListCategory) take(size int) (FreeChunk, bool) {
	for i := len(c.chunks) - 1; i >= 0; i-- {
		ch := c.chunks[i]
		if ch.Size < size {
			continue
		}
		c.chunks = slices.Delete(c.chunks, i, i+1)
		c.available -= ch.Size
		return ch, true
	}
	return FreeChunk{}, false
}

func (c *FreeListCategory) reset() {
	c.chunks = nil
	c.available = 0
}

// FreeList is the allocator-facing free memory of one space: one
// intrusive list of page categories per size class.
type FreeList struct {
	minSizes  []int
	heads     []*FreeListCategory
	available int
}

func newFreeList(minSizes []int) *FreeList {
	return &FreeList{
		minSizes: minSizes,
		heads:    make([]*FreeListCategory, len(minSizes)),
	}
}

// NumberOfCategories returns the number of size classes.
func (fl *FreeList) NumberOfCategories() int {
	return len(fl.minSizes)
}

// MinSize returns the smallest chunk size held by category i.
func (fl *FreeList) MinSize(i int) int {
	return fl.minSizes[i]
}

// CategoryFor returns the size class of a chunk of size bytes.
func (fl *FreeList) CategoryFor(size int) int {
	return sort.Search(len(fl.minSizes), func(i int) bool { return fl.minSizes[i] > size }) - 1
}

// Available returns the free bytes visible to allocation.
func (fl *FreeList) Available() int {
	return fl.available
}

// Free returns [offset, offset+size) of p to the free list.
func (fl *FreeList) Free(p *Page, offset, size int) {
	heap.Checkf(!p.IsEvacuationCandidate(), "page %d: free into evacuation candidate", p.id)
	heap.Checkf(size > 0 && size%heap.TaggedSize == 0 && offset%heap.TaggedSize == 0,
		"page %d: misaligned free chunk %#x+%d", p.id, offset, size)
	heap.Checkf(offset >= 0 && offset+size <= heap.PageSize,
		"page %d: free chunk %#x+%d outside the page", p.id, offset, size)

	c := p.categories[fl.CategoryFor(size)]
	c.push(FreeChunk{Offset: offset, Size: size})
	if c.linked {
		fl.available += size
	} else {
		fl.add(c)
	}
}

// Allocate carves size bytes out of the first fitting chunk, searching
// from the home size class upwards. The remainder is freed again.
func (fl *FreeList) Allocate(size int) (*Page, int, bool) {
	for i := max(fl.CategoryFor(size), 0); i < len(fl.heads); i++ {
		for c := fl.heads[i]; c != nil; c = c.next {
			ch, ok := c.take(size)
			if !ok {
				continue
			}
			fl.available -= ch.Size
			if c.IsEmpty() {
				fl.remove(c)
			}
			if rest := ch.Size - size; rest > 0 {
				fl.Free(c.page, ch.Offset+size, rest)
			}
			return c.page, ch.Offset, true
		}
	}
	return nil, 0, false
}

// EvictFreeListItems unlinks and empties every category of p and
// returns the number of bytes removed.
func (fl *FreeList) EvictFreeListItems(p *Page) int {
	sum := 0
	for _, c := range p.categories {
		if c.linked {
			fl.remove(c)
		}
		sum += c.available
		c.reset()
	}
	return sum
}

// ForEachChunk visits every chunk reachable from the free list,
// by ascending size class.
func (fl *FreeList) ForEachChunk(fn func(p *Page, ch FreeChunk)) {
	for _, head := range fl.heads {
		for c := head; c != nil; c = c.next {
			for ch := range c.Chunks() {
				fn(c.page, ch)
			}
		}
	}
}

func (fl *FreeList) add(c *FreeListCategory) {
	heap.Checkf(!c.linked, "category %d of page %d already linked", c.index, c.page.id)
	c.prev = nil
	c.next = fl.heads[c.index]
	if c.next != nil {
		c.next.prev = c
	}
	fl.heads[c.index] = c
	c.linked = true
	fl.available += c.available
}

func (fl *FreeList) remove(c *FreeListCategory) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		fl.heads[c.index] = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev, c.next = nil, nil
	c.linked = false
	fl.available -= c.available
}
