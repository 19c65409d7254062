// ABOUTME: Core data types for the managed object graph
// ABOUTME: Defines Object, ObjID, field slot layout and Roots

package graph

import "github.com/prateek/heapkeep/heap"

// ObjID is a unique identifier for a heap object. It stays the same
// when the collector moves the object.
type ObjID uint64

// HeaderSize is the size of the map word in front of the fields.
const HeaderSize = heap.TaggedSize

// Object represents a single heap object
type Object struct {
	ID     ObjID        // Unique identifier
	Type   string       // Type label (e.g. "array", "closure")
	Addr   heap.Address // Current location
	Size   int          // Size in bytes, header included
	Fields []heap.Value // Tagged fields, one slot each
}

// MinSize returns the smallest object size holding n fields.
func MinSize(n int) int {
	return HeaderSize + n*heap.TaggedSize
}

// FieldSlot returns the address of field i.
func (o *Object) FieldSlot(i int) heap.Address {
	return o.Addr + heap.Address(HeaderSize+i*heap.TaggedSize)
}

// FieldAt returns the index of the field stored at slot a.
func (o *Object) FieldAt(a heap.Address) (int, bool) {
	if a < o.Addr+HeaderSize {
		return 0, false
	}
	off := int(a - o.Addr - HeaderSize)
	if off%heap.TaggedSize != 0 || off/heap.TaggedSize >= len(o.Fields) {
		return 0, false
	}
	return off / heap.TaggedSize, true
}

// Value returns the tagged reference to o.
func (o *Object) Value() heap.Value {
	return heap.FromAddress(o.Addr)
}

// Roots represents the set of GC root objects
type Roots struct {
	IDs []ObjID // Object IDs that are roots
}
