// ABOUTME: Stop-the-world collection cycle over the heap's pages and roots
// ABOUTME: Marks, processes weak handles, evacuates candidates, updates pointers and sweeps

package collector

import (
	"github.com/prateek/heapkeep/graph"
	"github.com/prateek/heapkeep/handles"
	"github.com/prateek/heapkeep/heap"
	"github.com/prateek/heapkeep/spaces"
)

// CycleStats summarizes one Collect.
type CycleStats struct {
	Candidates   int
	Marked       int
	Moved        int
	MovedBytes   int
	Aborted      int
	Released     int
	SweptBytes   int
	SlotsUpdated int
	Weak         handles.WeakResult
}

// cycle is the state of one collection.
type cycle struct {
	h          *Heap
	marking    *graph.Marking
	candidates []*spaces.Page
	forwarding map[heap.Address]heap.Address
	moved      []*graph.Object
	stats      CycleStats
}

// Collect runs a full collection and returns what it did.
func (h *Heap) Collect() CycleStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &cycle{h: h, forwarding: make(map[heap.Address]heap.Address)}
	c.marking = graph.NewMarking(h.graph, c.recordSlot)

	if h.opts.compaction {
		c.selectCandidates()
	}
	c.markRoots()
	c.processWeak()
	c.evacuate()
	c.updatePointers()
	c.finishCandidates()
	c.sweep()

	s := c.stats
	h.opts.log().Info("collection finished",
		"marked", s.Marked, "candidates", s.Candidates, "moved", s.Moved,
		"aborted", s.Aborted, "released", s.Released, "swept_bytes", s.SweptBytes,
		"weak_callbacks", s.Weak.Callbacks)
	return s
}

func (c *cycle) selectCandidates() {
	limit := heap.PageSize * c.h.opts.threshold / 100
	for _, sp := range c.h.spaces {
		for _, p := range sp.Pages() {
			if p.NeverEvacuate() || p.LiveBytes() >= limit {
				continue
			}
			p.MarkEvacuationCandidate()
			c.candidates = append(c.candidates, p)
		}
	}
	c.stats.Candidates = len(c.candidates)
}

func (c *cycle) setFor(src, dst *spaces.Page) spaces.RememberedSet {
	if src.Owner() == dst.Owner() {
		return spaces.OldToOld
	}
	return spaces.CrossSpace
}

// recordSlot remembers fields of non-candidate objects that point into
// candidates so they can be updated after evacuation.
func (c *cycle) recordSlot(src *graph.Object, field int, dst *graph.Object) {
	to := c.h.allocator.PageOf(dst.Addr)
	if to == nil || !to.IsEvacuationCandidate() {
		return
	}
	from := c.h.allocator.PageOf(src.Addr)
	heap.Checkf(from != nil, "object %d at %v has no page", src.ID, src.Addr)
	if from.IsEvacuationCandidate() {
		return
	}
	from.RecordSlot(c.setFor(from, to), src.FieldSlot(field))
}

func (c *cycle) markRoots() {
	mark := func(v *heap.Value) { c.marking.MarkRoot(*v) }
	c.h.Globals.IterateStrongRoots(mark)
	c.h.Roots.Iterate(mark)
}

func (c *cycle) processWeak() {
	c.stats.Weak = c.h.Globals.ProcessWeak(c.marking.IsLive)
	// Callbacks may revive their handle, create strong handles or push
	// to vectors. Already marked objects are skipped.
	c.markRoots()
	c.stats.Marked = c.marking.Count()
}

func (c *cycle) evacuate() {
	for _, p := range c.candidates {
		sp := p.Owner()
		for a, size := range p.Objects() {
			obj := c.h.graph.Lookup(a)
			heap.Checkf(obj != nil, "page %d: object at %v missing from the graph", p.ID(), a)
			if !c.marking.IsMarked(obj.ID) {
				c.h.graph.RemoveObject(obj.ID)
				sp.Free(a)
				c.stats.SweptBytes += size
				continue
			}
			if p.CompactionWasAborted() {
				continue
			}
			to, err := sp.Allocate(size)
			if err != nil {
				c.h.opts.log().Warn("evacuation failed", "space", sp.Name(), "page", p.ID(), "err", err)
				p.AbortCompaction()
				continue
			}
			c.h.graph.Move(obj.ID, to)
			sp.Free(a)
			c.forwarding[a] = to
			c.moved = append(c.moved, obj)
			c.stats.Moved++
			c.stats.MovedBytes += size
		}
	}

	// Objects left on aborted pages are updated through the page's own
	// remembered sets.
	for _, p := range c.candidates {
		if !p.CompactionWasAborted() {
			continue
		}
		for a := range p.Objects() {
			obj := c.h.graph.Lookup(a)
			for i, f := range obj.Fields {
				if !f.IsHeapObject() || f.IsNull() {
					continue
				}
				if to := c.h.allocator.PageOf(f.Address()); to != nil && to.IsEvacuationCandidate() {
					p.RecordSlot(c.setFor(p, to), obj.FieldSlot(i))
				}
			}
		}
	}
}

func (c *cycle) update(v *heap.Value) {
	if !v.IsHeapObject() || v.IsNull() {
		return
	}
	if to, ok := c.forwarding[v.Address()]; ok {
		*v = heap.FromAddress(to)
	}
}

func (c *cycle) updatePointers() {
	if len(c.forwarding) == 0 {
		return
	}
	c.h.Globals.IterateAllHandles(c.update)
	c.h.Roots.Iterate(c.update)
	for _, obj := range c.moved {
		for i := range obj.Fields {
			c.update(&obj.Fields[i])
		}
	}

	for _, sp := range c.h.spaces {
		for _, p := range sp.Pages() {
			if p.IsEvacuationCandidate() && !p.CompactionWasAborted() {
				continue
			}
			for r := spaces.OldToOld; r <= spaces.CrossSpace; r++ {
				for off := range p.RememberedSet(r).All() {
					c.updateSlot(p, off)
				}
			}
		}
	}
}

func (c *cycle) updateSlot(p *spaces.Page, offset int) {
	start, _, ok := p.ObjectAt(offset)
	heap.Checkf(ok, "page %d: recorded slot %#x outside any object", p.ID(), offset)
	obj := c.h.graph.Lookup(heap.MakeAddress(p.ID(), start))
	heap.Checkf(obj != nil, "page %d: object at %#x missing from the graph", p.ID(), start)
	i, ok := obj.FieldAt(heap.MakeAddress(p.ID(), offset))
	heap.Checkf(ok, "page %d: recorded slot %#x is not a field of object %d", p.ID(), offset, obj.ID)
	c.update(&obj.Fields[i])
	c.stats.SlotsUpdated++
}

func (c *cycle) finishCandidates() {
	for _, p := range c.candidates {
		if p.CompactionWasAborted() {
			p.ClearEvacuationCandidate()
			c.stats.Aborted++
			continue
		}
		heap.Checkf(p.NumberOfObjects() == 0, "page %d: %d objects left after evacuation", p.ID(), p.NumberOfObjects())
		p.Owner().ReleasePage(p)
		c.stats.Released++
	}
}

func (c *cycle) sweep() {
	var dead []graph.ObjID
	isLive := func(a heap.Address) bool {
		obj := c.h.graph.Lookup(a)
		heap.Checkf(obj != nil, "object at %v missing from the graph", a)
		if c.marking.IsMarked(obj.ID) {
			return true
		}
		dead = append(dead, obj.ID)
		return false
	}
	for _, sp := range c.h.spaces {
		c.stats.SweptBytes += sp.Sweep(isLive)
	}
	for _, id := range dead {
		c.h.graph.RemoveObject(id)
	}
}
