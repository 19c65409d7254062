// ABOUTME: Graph interface and in-memory implementation
// ABOUTME: Indexes objects by stable id and by current address

package graph

import (
	"slices"
	"sync"

	"github.com/prateek/heapkeep/heap"
)

// Graph represents a heap object graph
type Graph interface {
	// AddObject adds an object to the graph
	AddObject(obj *Object)

	// GetObject retrieves an object by ID
	GetObject(id ObjID) *Object

	// Lookup retrieves the object starting at a
	Lookup(a heap.Address) *Object

	// Resolve retrieves the object v references, nil for immediates
	Resolve(v heap.Value) *Object

	// Move records that an object now lives at a
	Move(id ObjID, a heap.Address)

	// RemoveObject drops an object
	RemoveObject(id ObjID)

	// NumObjects returns the total number of objects
	NumObjects() int

	// ForEachObject iterates over all objects in ascending ID order
	ForEachObject(fn func(*Object))
}

// MemGraph is an in-memory implementation of Graph
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	byAddr  map[heap.Address]ObjID
	lastID  ObjID
}

// NewMemGraph creates a new in-memory graph
func NewMemGraph() *MemGraph {
	return &MemGraph{
		objects: make(map[ObjID]*Object),
		byAddr:  make(map[heap.Address]ObjID),
	}
}

// NextID returns an id no object of g has used.
func (g *MemGraph) NextID() ObjID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastID++
	return g.lastID
}

// AddObject adds an object to the graph, replacing one with the same ID
func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	heap.Checkf(obj.ID != 0, "object added without an id")
	if old, ok := g.objects[obj.ID]; ok {
		delete(g.byAddr, old.Addr)
	}
	heap.Checkf(g.byAddr[obj.Addr] == 0, "object %d added at occupied address %v", obj.ID, obj.Addr)
	g.objects[obj.ID] = obj
	g.byAddr[obj.Addr] = obj.ID
	g.lastID = max(g.lastID, obj.ID)
}

// GetObject retrieves an object by ID
func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

// Lookup retrieves the object starting at a
func (g *MemGraph) Lookup(a heap.Address) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[g.byAddr[a]]
}

// Resolve retrieves the object v references
func (g *MemGraph) Resolve(v heap.Value) *Object {
	if !v.IsHeapObject() || v.IsNull() {
		return nil
	}
	return g.Lookup(v.Address())
}

// Move re-indexes an object under its new address
func (g *MemGraph) Move(id ObjID, a heap.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj := g.objects[id]
	heap.Checkf(obj != nil, "moving unknown object %d", id)
	heap.Checkf(g.byAddr[a] == 0, "object %d moved onto occupied address %v", id, a)
	delete(g.byAddr, obj.Addr)
	obj.Addr = a
	g.byAddr[a] = id
}

// RemoveObject drops an object
func (g *MemGraph) RemoveObject(id ObjID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if obj, ok := g.objects[id]; ok {
		delete(g.byAddr, obj.Addr)
		delete(g.objects, id)
	}
}

// NumObjects returns the total number of objects
func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

// ForEachObject iterates over all objects in ascending ID order.
// fn may add, move or remove objects.
func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.RLock()
	ids := make([]ObjID, 0, len(g.objects))
	for id := range g.objects {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		if obj := g.GetObject(id); obj != nil {
			fn(obj)
		}
	}
}
