// ABOUTME: Reachability marking over the object graph
// ABOUTME: Reports every traversed edge so callers can record remembered-set slots

package graph

import "github.com/prateek/heapkeep/heap"

// EdgeFunc is called once for every field of a scanned object that
// references another object.
type EdgeFunc func(src *Object, field int, dst *Object)

// Marking accumulates the objects reachable from the roots given to it.
type Marking struct {
	g      Graph
	marked map[ObjID]bool
	onEdge EdgeFunc
	work   []*Object
}

// NewMarking starts an empty marking of g. onEdge may be nil.
func NewMarking(g Graph, onEdge EdgeFunc) *Marking {
	return &Marking{g: g, marked: make(map[ObjID]bool), onEdge: onEdge}
}

// MarkRoot marks everything reachable from v. Values that do not
// reference an object of the graph are ignored.
func (m *Marking) MarkRoot(v heap.Value) {
	if obj := m.g.Resolve(v); obj != nil {
		m.push(obj)
		m.drain()
	}
}

func (m *Marking) push(obj *Object) {
	if m.marked[obj.ID] {
		return
	}
	m.marked[obj.ID] = true
	m.work = append(m.work, obj)
}

func (m *Marking) drain() {
	for len(m.work) > 0 {
		obj := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		for i, f := range obj.Fields {
			dst := m.g.Resolve(f)
			if dst == nil {
				continue
			}
			if m.onEdge != nil {
				m.onEdge(obj, i, dst)
			}
			m.push(dst)
		}
	}
}

// IsMarked reports whether id was reached.
func (m *Marking) IsMarked(id ObjID) bool {
	return m.marked[id]
}

// IsLive reports whether v is an immediate or references a marked object.
func (m *Marking) IsLive(v heap.Value) bool {
	obj := m.g.Resolve(v)
	return obj == nil || m.marked[obj.ID]
}

// Count returns the number of marked objects.
func (m *Marking) Count() int {
	return len(m.marked)
}

// Mark returns the set of objects reachable from roots.
func Mark(g Graph, roots []heap.Value) *Marking {
	m := NewMarking(g, nil)
	for _, r := range roots {
		m.MarkRoot(r)
	}
	return m
}
