// ABOUTME: Per-page metadata: flags, owning space, free-list categories and remembered sets
// ABOUTME: Implements the evacuation-candidate transitions and their preconditions

package spaces

import (
	"iter"
	"slices"
	"sort"

	"github.com/prateek/heapkeep/heap"
)

type objectRange struct {
	offset, size int
}

// Page is the metadata of one heap page.
//
// The owning space is fixed at construction. Flags change only through
// the named transitions below, which enforce their preconditions.
type Page struct {
	id         uint32
	owner      *Space
	flags      Flags
	categories []*FreeListCategory
	objects    []objectRange // sorted by offset, non-overlapping
	liveBytes  int
	slots      [numRememberedSets]SlotSet
}

func newPage(id uint32, owner *Space) *Page {
	heap.Checkf(owner != nil, "page %d created without an owning space", id)
	p := &Page{id: id, owner: owner}
	p.categories = make([]*FreeListCategory, owner.NumberOfCategories())
	for i := range p.categories {
		p.categories[i] = &FreeListCategory{index: i, page: p}
	}
	return p
}

// ID returns the page id.
func (p *Page) ID() uint32 { return p.id }

// Owner returns the owning space.
func (p *Page) Owner() *Space { return p.owner }

// Base returns the address of the first byte of the page.
func (p *Page) Base() heap.Address { return heap.MakeAddress(p.id, 0) }

// Contains reports whether a lies on p.
func (p *Page) Contains(a heap.Address) bool { return a.Page() == p.id }

// Flags returns the current flag bitset.
func (p *Page) Flags() Flags { return p.flags }

// IsEvacuationCandidate reports whether p is being compacted.
func (p *Page) IsEvacuationCandidate() bool { return p.flags.Has(EvacuationCandidate) }

// NeverEvacuate reports whether p is pinned.
func (p *Page) NeverEvacuate() bool { return p.flags.Has(NeverEvacuate) }

// CompactionWasAborted reports whether evacuation of p was abandoned this cycle.
func (p *Page) CompactionWasAborted() bool { return p.flags.Has(CompactionWasAborted) }

// SetNeverEvacuate pins p for the rest of its life.
func (p *Page) SetNeverEvacuate() {
	heap.Checkf(!p.IsEvacuationCandidate(), "page %d: pinning an evacuation candidate", p.id)
	p.flags |= NeverEvacuate
}

// LiveBytes returns the bytes covered by objects on p.
func (p *Page) LiveBytes() int { return p.liveBytes }

// NumberOfObjects returns the number of objects laid out on p.
func (p *Page) NumberOfObjects() int { return len(p.objects) }

// FreeBytes returns the bytes held by p's free-list categories.
func (p *Page) FreeBytes() int {
	sum := 0
	for _, c := range p.categories {
		sum += c.available
	}
	return sum
}

// ForAllFreeListCategories calls fn for every category index of the
// owning space, in ascending order.
func (p *Page) ForAllFreeListCategories(fn func(*FreeListCategory)) {
	for i := 0; i < p.owner.NumberOfCategories(); i++ {
		fn(p.categories[i])
	}
}

// FreeListCategories is ForAllFreeListCategories as a sequence.
func (p *Page) FreeListCategories() iter.Seq[*FreeListCategory] {
	return func(yield func(*FreeListCategory) bool) {
		for i := 0; i < p.owner.NumberOfCategories(); i++ {
			if !yield(p.categories[i]) {
				return
			}
		}
	}
}

// Free returns a byte range of p to the owning space's free list.
func (p *Page) Free(offset, size int) {
	p.owner.freeList.Free(p, offset, size)
}

// MarkEvacuationCandidate selects p for compaction and removes all
// of its free memory from the owning space's allocator.
func (p *Page) MarkEvacuationCandidate() {
	heap.Checkf(!p.NeverEvacuate(), "page %d: NEVER_EVACUATE page marked as evacuation candidate", p.id)
	heap.Checkf(!p.IsEvacuationCandidate(), "page %d: already an evacuation candidate", p.id)
	heap.Checkf(p.slots[OldToOld].IsEmpty() && p.slots[CrossSpace].IsEmpty(),
		"page %d: remembered sets populated before candidate marking", p.id)

	p.flags |= EvacuationCandidate
	evicted := p.owner.freeList.EvictFreeListItems(p)
	p.owner.log().Debug("marked evacuation candidate",
		"space", p.owner.name, "page", p.id, "evicted", evicted)
}

// ClearEvacuationCandidate makes p allocatable again, rebuilding its
// free-list categories from the current object layout. Remembered sets
// must be empty unless compaction of p was aborted.
func (p *Page) ClearEvacuationCandidate() {
	heap.Checkf(p.IsEvacuationCandidate(), "page %d: not an evacuation candidate", p.id)
	if !p.CompactionWasAborted() {
		heap.Checkf(p.slots[OldToOld].IsEmpty() && p.slots[CrossSpace].IsEmpty(),
			"page %d: remembered sets populated on clearing a candidate", p.id)
	}
	// TODO: decide whether slots kept across an aborted compaction should
	// be revalidated here; the next sweep drops them today.
	p.flags &^= EvacuationCandidate
	p.InitializeFreeListCategories()
}

// AbortCompaction records that evacuation of p could not complete.
func (p *Page) AbortCompaction() {
	heap.Checkf(p.IsEvacuationCandidate(), "page %d: aborting compaction of a non-candidate", p.id)
	p.flags |= CompactionWasAborted
	p.owner.log().Debug("compaction aborted", "space", p.owner.name, "page", p.id)
}

// clearCompactionAborted is called by the sweeper once the aborted
// page has been processed.
func (p *Page) clearCompactionAborted() {
	p.flags &^= CompactionWasAborted
}

// InitializeFreeListCategories drops p's free chunks and refills the
// categories with every gap between objects.
func (p *Page) InitializeFreeListCategories() {
	heap.Checkf(!p.IsEvacuationCandidate(), "page %d: initializing free list of a candidate", p.id)
	p.owner.freeList.EvictFreeListItems(p)
	pos := 0
	for _, o := range p.objects {
		if o.offset > pos {
			p.Free(pos, o.offset-pos)
		}
		pos = o.offset + o.size
	}
	if pos < heap.PageSize {
		p.Free(pos, heap.PageSize-pos)
	}
}

// RecordSlot adds the slot at a to remembered set r.
func (p *Page) RecordSlot(r RememberedSet, a heap.Address) {
	heap.Checkf(p.Contains(a), "page %d: recording foreign slot %v", p.id, a)
	p.slots[r].Insert(a.Offset())
}

// RememberedSet returns slot set r of p.
func (p *Page) RememberedSet(r RememberedSet) *SlotSet {
	return &p.slots[r]
}

// ClearRememberedSets drops every recorded slot.
func (p *Page) ClearRememberedSets() {
	for i := range p.slots {
		p.slots[i].Clear()
	}
}

// ObjectAt returns the object covering offset.
func (p *Page) ObjectAt(offset int) (start, size int, ok bool) {
	i := sort.Search(len(p.objects), func(i int) bool { return p.objects[i].offset > offset }) - 1
	if i < 0 {
		return 0, 0, false
	}
	o := p.objects[i]
	if offset >= o.offset+o.size {
		return 0, 0, false
	}
	return o.offset, o.size, true
}

// Objects yields the start address and size of every object, by address.
func (p *Page) Objects() iter.Seq2[heap.Address, int] {
	return func(yield func(heap.Address, int) bool) {
		for _, o := range slices.Clone(p.objects) {
			if !yield(heap.MakeAddress(p.id, o.offset), o.size) {
				return
			}
		}
	}
}

func (p *Page) addObject(offset, size int) {
	i := sort.Search(len(p.objects), func(i int) bool { return p.objects[i].offset >= offset })
	if i > 0 {
		prev := p.objects[i-1]
		heap.Checkf(prev.offset+prev.size <= offset, "page %d: object %#x overlaps %#x", p.id, offset, prev.offset)
	}
	if i < len(p.objects) {
		heap.Checkf(offset+size <= p.objects[i].offset, "page %d: object %#x overlaps %#x", p.id, offset, p.objects[i].offset)
	}
	p.objects = slices.Insert(p.objects, i, objectRange{offset, size})
	p.liveBytes += size
}

func (p *Page) removeObject(offset int) int {
	i, found := slices.BinarySearchFunc(p.objects, offset, func(o objectRange, off int) int { return o.offset - off })
	heap.Checkf(found, "page %d: no object starts at %#x", p.id, offset)
	size := p.objects[i].size
	p.objects = slices.Delete(p.objects, i, i+1)
	p.liveBytes -= size
	for r := range p.slots {
		if !p.slots[r].IsEmpty() {
			p.slots[r].RemoveRange(offset, offset+size)
		}
	}
	return size
}
