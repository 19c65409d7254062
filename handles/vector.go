// ABOUTME: Root vectors scoped to one heap instance and the registry that scans them
// ABOUTME: Each vector's occupied prefix is a contiguous root range

package handles

import (
	"slices"
	"sync"

	"github.com/prateek/heapkeep/heap"
)

// Roots is the root-aware registry of one heap instance. Every vector
// created from it is scanned as a root range.
type Roots struct {
	mu      sync.Mutex
	vectors []*Vector
}

// NewRoots returns an empty registry.
func NewRoots() *Roots {
	return &Roots{}
}

// NewVector returns an empty vector bound to r.
func (r *Roots) NewVector() *Vector {
	v := &Vector{roots: r}
	r.mu.Lock()
	r.vectors = append(r.vectors, v)
	r.mu.Unlock()
	return v
}

// Len returns the number of open vectors.
func (r *Roots) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vectors)
}

// Iterate calls fn with the location of every occupied entry of every
// open vector, in creation order. A vector cannot grow or shrink while
// its range is being visited. fn must not push to or pop from the
// vectors.
func (r *Roots) Iterate(fn func(*heap.Value)) {
	r.mu.Lock()
	vectors := slices.Clone(r.vectors)
	r.mu.Unlock()

	for _, v := range vectors {
		v.scan(fn)
	}
}

func (r *Roots) remove(v *Vector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.Index(r.vectors, v); i >= 0 {
		r.vectors = slices.Delete(r.vectors, i, i+1)
	}
}

// Vector is an append/pop root list. Values are returned by copy, so
// growth of the backing storage never invalidates them.
type Vector struct {
	roots  *Roots
	mu     sync.Mutex
	buf    []heap.Value
	closed bool
}

// Roots returns the registry the vector belongs to.
func (v *Vector) Roots() *Roots { return v.roots }

// Push appends x.
func (v *Vector) Push(x heap.Value) {
	v.mu.Lock()
	defer v.mu.Unlock()
	heap.Checkf(!v.closed, "push to closed root vector")
	v.buf = append(v.buf, x)
}

// Pop removes and returns the last entry.
func (v *Vector) Pop() heap.Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	heap.Checkf(!v.closed, "pop from closed root vector")
	heap.Checkf(len(v.buf) > 0, "pop from empty root vector")
	last := len(v.buf) - 1
	x := v.buf[last]
	// Clear so the stale reference is gone from the backing array.
	v.buf[last] = 0
	v.buf = v.buf[:last]
	return x
}

// Len returns the number of entries.
func (v *Vector) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.buf)
}

// At returns entry i.
func (v *Vector) At(i int) heap.Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	heap.Checkf(i >= 0 && i < len(v.buf), "root vector index %d out of range [0, %d)", i, len(v.buf))
	return v.buf[i]
}

// Close unregisters v. Its entries stop being roots.
func (v *Vector) Close() {
	v.mu.Lock()
	heap.Checkf(!v.closed, "root vector closed twice")
	v.closed = true
	v.buf = nil
	v.mu.Unlock()
	v.roots.remove(v)
}

func (v *Vector) scan(fn func(*heap.Value)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.buf {
		fn(&v.buf[i])
	}
}
