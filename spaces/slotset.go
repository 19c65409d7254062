// ABOUTME: Bucketed bitmap of tagged-slot offsets within one page
// ABOUTME: Backs the remembered sets used to fix pointers after relocation

package spaces

import (
	"iter"
	"math/bits"

	"github.com/prateek/heapkeep/heap"
)

const (
	slotsPerPage   = heap.PageSize / heap.TaggedSize
	slotsPerBucket = 1024
	bucketWords    = slotsPerBucket / 64
	numBuckets     = slotsPerPage / slotsPerBucket
)

type bucket [bucketWords]uint64

// SlotSet records slot offsets of one page. Buckets are allocated on
// first insert. The zero value is an empty set.
type SlotSet struct {
	buckets [numBuckets]*bucket
	count   int
}

func slotIndex(offset int) int {
	heap.Checkf(offset >= 0 && offset < heap.PageSize && offset%heap.TaggedSize == 0,
		"slot offset %#x is not a tagged slot of the page", offset)
	return offset / heap.TaggedSize
}

// Insert adds offset. Inserting a present slot is a no-op.
func (s *SlotSet) Insert(offset int) {
	i := slotIndex(offset)
	b := s.buckets[i/slotsPerBucket]
	if b == nil {
		b = new(bucket)
		s.buckets[i/slotsPerBucket] = b
	}
	w, bit := (i%slotsPerBucket)/64, uint64(1)<<(i%64)
	if b[w]&bit == 0 {
		b[w] |= bit
		s.count++
	}
}

// Remove deletes offset if present.
func (s *SlotSet) Remove(offset int) {
	i := slotIndex(offset)
	b := s.buckets[i/slotsPerBucket]
	if b == nil {
		return
	}
	w, bit := (i%slotsPerBucket)/64, uint64(1)<<(i%64)
	if b[w]&bit != 0 {
		b[w] &^= bit
		s.count--
	}
}

// Contains reports whether offset is recorded.
func (s *SlotSet) Contains(offset int) bool {
	i := slotIndex(offset)
	b := s.buckets[i/slotsPerBucket]
	return b != nil && b[(i%slotsPerBucket)/64]&(1<<(i%64)) != 0
}

// RemoveRange deletes every slot in [start, end).
func (s *SlotSet) RemoveRange(start, end int) {
	for off := start; off < end; off += heap.TaggedSize {
		s.Remove(off)
	}
}

// Len returns the number of recorded slots.
func (s *SlotSet) Len() int {
	return s.count
}

// IsEmpty reports whether no slot is recorded.
func (s *SlotSet) IsEmpty() bool {
	return s.count == 0
}

// Clear drops every slot and releases the buckets.
func (s *SlotSet) Clear() {
	*s = SlotSet{}
}

// All yields recorded offsets in ascending order.
func (s *SlotSet) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for bi, b := range s.buckets {
			if b == nil {
				continue
			}
			for w, word := range b {
				for word != 0 {
					tz := bits.TrailingZeros64(word)
					word &= word - 1
					slot := bi*slotsPerBucket + w*64 + tz
					if !yield(slot * heap.TaggedSize) {
						return
					}
				}
			}
		}
	}
}
