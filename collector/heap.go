// ABOUTME: Heap instance wiring page spaces, root tracking and the object graph
// ABOUTME: Mutator-facing allocation, field access, pinning and introspection

// Package collector drives a minimal stop-the-world collection over the
// page and handle bookkeeping: root enumeration, weak processing,
// evacuation of sparse pages and sweeping.
package collector

import (
	"fmt"
	"io"
	"sync"

	"github.com/prateek/heapkeep/graph"
	"github.com/prateek/heapkeep/handles"
	"github.com/prateek/heapkeep/heap"
	"github.com/prateek/heapkeep/snapshot"
	"github.com/prateek/heapkeep/spaces"
)

// SpaceID selects one of the spaces of a heap.
type SpaceID int

const (
	OldSpace SpaceID = iota
	CodeSpace
	numSpaces
)

func (s SpaceID) String() string {
	switch s {
	case OldSpace:
		return "old"
	case CodeSpace:
		return "code"
	}
	return fmt.Sprintf("space(%d)", int(s))
}

// Heap is one managed heap. Objects are created with Allocate and kept
// alive by strong handles in Globals or by vectors of Roots.
//
// Heap methods hold the heap lock. Weak callbacks run inside Collect
// and may use Globals but must not call Heap methods.
type Heap struct {
	// Globals holds handles from code outside the heap.
	Globals *handles.Table
	// Roots holds the heap's root vectors.
	Roots *handles.Roots

	mu        sync.Mutex
	allocator *spaces.MemoryAllocator
	spaces    [numSpaces]*spaces.Space
	graph     *graph.MemGraph
	opts      options
}

// New returns an empty heap.
func New(opts ...Option) *Heap {
	o := buildOptions(opts)
	var aopts []spaces.Option
	if o.logger != nil {
		aopts = append(aopts, spaces.WithLogger(o.logger))
	}
	h := &Heap{
		Globals:   handles.NewTable(),
		Roots:     handles.NewRoots(),
		allocator: spaces.NewMemoryAllocator(spaces.NewPageSource(o.maxPages), aopts...),
		graph:     graph.NewMemGraph(),
		opts:      o,
	}
	for id := range numSpaces {
		h.spaces[id] = spaces.NewSpace(id.String(), h.allocator, o.spaceOptions()...)
	}
	return h
}

// Space returns space id.
func (h *Heap) Space(id SpaceID) *spaces.Space {
	heap.Checkf(id >= 0 && id < numSpaces, "unknown space %d", int(id))
	return h.spaces[id]
}

// Allocator returns the page allocator shared by the spaces.
func (h *Heap) Allocator() *spaces.MemoryAllocator { return h.allocator }

// Graph returns the object graph. It must not be modified while a
// collection runs.
func (h *Heap) Graph() graph.Graph { return h.graph }

// Allocate creates an object of size bytes in space with the given
// fields. size is raised to the minimum size holding the fields.
func (h *Heap) Allocate(space SpaceID, size int, fields ...heap.Value) (heap.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	size = max(size, graph.MinSize(len(fields)))
	a, err := h.Space(space).Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("allocating %d bytes in %v: %w", size, space, err)
	}
	obj := &graph.Object{
		ID:     h.graph.NextID(),
		Addr:   a,
		Size:   spaces.AlignSize(size),
		Fields: append([]heap.Value(nil), fields...),
	}
	h.graph.AddObject(obj)
	return obj.Value(), nil
}

func (h *Heap) object(v heap.Value) *graph.Object {
	obj := h.graph.Resolve(v)
	heap.Checkf(obj != nil, "%v does not reference a live object", v)
	return obj
}

// ReadField returns field i of the object v references.
func (h *Heap) ReadField(v heap.Value, i int) heap.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj := h.object(v)
	heap.Checkf(i >= 0 && i < len(obj.Fields), "field %d of %d-field object %v", i, len(obj.Fields), v)
	return obj.Fields[i]
}

// WriteField stores x in field i of the object v references.
func (h *Heap) WriteField(v heap.Value, i int, x heap.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj := h.object(v)
	heap.Checkf(i >= 0 && i < len(obj.Fields), "field %d of %d-field object %v", i, len(obj.Fields), v)
	obj.Fields[i] = x
}

// NumFields returns the number of fields of the object v references.
func (h *Heap) NumFields(v heap.Value) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.object(v).Fields)
}

// PageOf returns the page holding the object v references.
func (h *Heap) PageOf(v heap.Value) *spaces.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocator.PageOf(h.object(v).Addr)
}

// Pin keeps the page of the object v references out of evacuation for
// the rest of its life.
func (h *Heap) Pin(v heap.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allocator.PageOf(h.object(v).Addr).SetNeverEvacuate()
}

// rootIDs returns the objects referenced by strong handles and vectors.
func (h *Heap) rootIDs() []graph.ObjID {
	seen := make(map[graph.ObjID]bool)
	var ids []graph.ObjID
	add := func(v *heap.Value) {
		if obj := h.graph.Resolve(*v); obj != nil && !seen[obj.ID] {
			seen[obj.ID] = true
			ids = append(ids, obj.ID)
		}
	}
	h.Globals.IterateStrongRoots(add)
	h.Roots.Iterate(add)
	return ids
}

// RetainingPaths returns up to maxPaths shortest reference chains from
// the object v references back to a root, target first.
func (h *Heap) RetainingPaths(v heap.Value, maxPaths int) []graph.Path {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj := h.object(v)
	return graph.PathsToRoots(h.graph, obj.ID, graph.Roots{IDs: h.rootIDs()}, maxPaths)
}

// Snapshot writes the objects, roots and pages of h as JSON.
func (h *Heap) Snapshot(w io.Writer) error {
	h.mu.Lock()
	s := snapshot.FromGraph(h.graph, h.rootIDs())
	for _, sp := range h.spaces {
		for _, p := range sp.Pages() {
			s.Pages = append(s.Pages, snapshot.Page{
				ID:        p.ID(),
				Space:     sp.Name(),
				Flags:     p.Flags().String(),
				LiveBytes: p.LiveBytes(),
				FreeBytes: p.FreeBytes(),
				Objects:   p.NumberOfObjects(),
			})
		}
	}
	h.mu.Unlock()
	return snapshot.Write(w, s)
}
