// ABOUTME: Tagged values and addresses exchanged between the heap bookkeeping packages
// ABOUTME: Defines Value, Address and the fixed page geometry

package heap

import "fmt"

const (
	// PageShift is log2 of the page size.
	PageShift = 18

	// PageSize is the size in bytes of every regular heap page.
	PageSize = 1 << PageShift

	// TaggedSize is the size of one tagged slot. Object and free-chunk
	// sizes are always multiples of it.
	TaggedSize = 4

	offsetMask = PageSize - 1
)

// Address is a location in the managed heap: page id in the high bits,
// byte offset within the page in the low PageShift bits.
type Address uint64

// MakeAddress builds the address of offset within page.
func MakeAddress(page uint32, offset int) Address {
	return Address(page)<<PageShift | Address(offset)&offsetMask
}

// Page returns the id of the page containing a.
func (a Address) Page() uint32 {
	return uint32(a >> PageShift)
}

// Offset returns the byte offset of a within its page.
func (a Address) Offset() int {
	return int(a & offsetMask)
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%#x", a.Page(), a.Offset())
}

// Value is an opaque tagged reference. The low bit distinguishes heap
// object references (1) from small integers (0).
type Value uint64

const heapObjectTag = 1

// Null is the reference to address zero. Page ids start at 1, so it
// never names a real object.
const Null Value = heapObjectTag

// FromAddress returns the heap reference for a.
func FromAddress(a Address) Value {
	return Value(a)<<1 | heapObjectTag
}

// Smi returns the immediate value for n.
func Smi(n int32) Value {
	return Value(uint64(int64(n)) << 1)
}

// IsHeapObject reports whether v references a heap object.
func (v Value) IsHeapObject() bool {
	return v&heapObjectTag == heapObjectTag
}

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool {
	return v == Null
}

// Address returns the referenced address. v must be a heap reference.
func (v Value) Address() Address {
	Checkf(v.IsHeapObject(), "value %#x is not a heap reference", uint64(v))
	return Address(v >> 1)
}

// SmiValue returns the integer carried by v. v must not be a heap reference.
func (v Value) SmiValue() int32 {
	Checkf(!v.IsHeapObject(), "value %#x is not a small integer", uint64(v))
	return int32(int64(v) >> 1)
}

func (v Value) String() string {
	switch {
	case v.IsNull():
		return "null"
	case v.IsHeapObject():
		return "ref(" + v.Address().String() + ")"
	default:
		return fmt.Sprintf("smi(%d)", v.SmiValue())
	}
}
