// ABOUTME: Global handle table holding roots on behalf of code outside the collector
// ABOUTME: Nodes live in fixed blocks that never move; freed slot ids are recycled LIFO

package handles

import (
	"fmt"
	"sync"

	"github.com/prateek/heapkeep/heap"
)

const (
	// BlockSize is the number of nodes added each time the table grows.
	BlockSize = 256

	// MaxSlots bounds the addressable slot space.
	MaxSlots = 1 << 24
)

// State is the lifecycle state of a handle node.
type State uint8

const (
	Free State = iota
	Strong
	Weak
	Traced
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Traced:
		return "traced"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Handle identifies a live node. It packs the slot id with the node's
// generation, so handles to released slots are detected. The zero
// Handle is never valid.
type Handle uint64

func makeHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot+1))
}

func (h Handle) slot() uint32 { return uint32(h) - 1 }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

func (h Handle) String() string {
	if h == 0 {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d/%d)", h.slot(), h.gen())
}

// WeakCallback runs when the referent of a weak handle is found
// otherwise unreachable. Calling ClearWeak(h) before returning revives
// the handle; otherwise it is released.
type WeakCallback func(h Handle, data any)

type node struct {
	value    heap.Value
	state    State
	gen      uint32
	classID  uint16
	callback WeakCallback
	data     any
}

type block [BlockSize]node

// Table is the global handle table. It is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	blocks   []*block
	freeList []uint32
	live     int
	maxSlots int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{maxSlots: MaxSlots}
}

func (t *Table) nodeAt(slot uint32) *node {
	return &t.blocks[slot/BlockSize][slot%BlockSize]
}

// lookup returns the node of a live handle. t.mu must be held.
func (t *Table) lookup(h Handle) *node {
	heap.Checkf(h != 0, "use of nil handle")
	slot := h.slot()
	heap.Checkf(int(slot) < len(t.blocks)*BlockSize, "%v: slot out of range", h)
	n := t.nodeAt(slot)
	heap.Checkf(n.state != Free, "%v: slot is free", h)
	heap.Checkf(n.gen == h.gen(), "%v: stale handle, slot now at generation %d", h, n.gen)
	return n
}

func (t *Table) grow() {
	base := len(t.blocks) * BlockSize
	heap.Checkf(base+BlockSize <= t.maxSlots, "global handle table exhausted at %d slots", base)
	t.blocks = append(t.blocks, new(block))
	// Push in reverse so the lowest slot is handed out first.
	for i := BlockSize - 1; i >= 0; i-- {
		t.freeList = append(t.freeList, uint32(base+i))
	}
}

func (t *Table) allocate(v heap.Value, state State) Handle {
	if len(t.freeList) == 0 {
		t.grow()
	}
	last := len(t.freeList) - 1
	slot := t.freeList[last]
	t.freeList = t.freeList[:last]

	n := t.nodeAt(slot)
	heap.Checkf(n.state == Free, "slot %d on the free list holds a %v node", slot, n.state)
	n.value = v
	n.state = state
	t.live++
	return makeHandle(slot, n.gen)
}

func (t *Table) release(slot uint32, n *node) {
	*n = node{gen: n.gen + 1}
	t.freeList = append(t.freeList, slot)
	t.live--
}

// Create returns a strong handle to v.
func (t *Table) Create(v heap.Value) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocate(v, Strong)
}

// CreateTraced returns a traced handle to v. Traced handles do not keep
// v alive; when v dies the handle is reset to heap.Null but stays
// allocated until destroyed.
func (t *Table) CreateTraced(v heap.Value) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocate(v, Traced)
}

// Copy returns a new strong handle to the value of h.
func (t *Table) Copy(h Handle) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.lookup(h).value
	return t.allocate(v, Strong)
}

// Destroy releases h.
func (t *Table) Destroy(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookup(h)
	t.release(h.slot(), n)
}

// Get returns the value held by h.
func (t *Table) Get(h Handle) heap.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(h).value
}

// Set replaces the value held by h.
func (t *Table) Set(h Handle, v heap.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookup(h).value = v
}

// Slot returns the location holding h's value. The location stays
// valid until h is released; the collector rewrites it in place when
// the referent moves.
func (t *Table) Slot(h Handle) *heap.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &t.lookup(h).value
}

// State returns the state of a live handle.
func (t *Table) State(h Handle) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(h).state
}

// IsLive reports whether h still names an allocated node. Unlike the
// other accessors it accepts released handles.
func (t *Table) IsLive(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == 0 || int(h.slot()) >= len(t.blocks)*BlockSize {
		return false
	}
	n := t.nodeAt(h.slot())
	return n.state != Free && n.gen == h.gen()
}

// IsWeak reports whether h is weak.
func (t *Table) IsWeak(h Handle) bool {
	return t.State(h) == Weak
}

// MakeWeak turns a strong handle weak. callback runs once when the
// referent is found otherwise unreachable and receives data.
func (t *Table) MakeWeak(h Handle, callback WeakCallback, data any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookup(h)
	heap.Checkf(n.state == Strong || n.state == Weak, "%v: MakeWeak on %v handle", h, n.state)
	n.state = Weak
	n.callback = callback
	n.data = data
}

// ClearWeak turns a weak handle strong again and returns the data it
// was registered with.
func (t *Table) ClearWeak(h Handle) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookup(h)
	heap.Checkf(n.state == Weak, "%v: ClearWeak on %v handle", h, n.state)
	data := n.data
	n.state = Strong
	n.callback = nil
	n.data = nil
	return data
}

// SetClassID tags h with an embedder-defined class id.
func (t *Table) SetClassID(h Handle, id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookup(h).classID = id
}

// ClassID returns the class id of h, zero if unset.
func (t *Table) ClassID(h Handle) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(h).classID
}

// Len returns the number of live nodes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Capacity returns the number of slots in allocated blocks.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocks) * BlockSize
}

// Stats counts nodes by state.
type Stats struct {
	Strong, Weak, Traced int
	Free                 int
}

// Stats returns the node counts.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	t.forEachLive(func(_ uint32, n *node) {
		switch n.state {
		case Strong:
			s.Strong++
		case Weak:
			s.Weak++
		case Traced:
			s.Traced++
		}
	})
	s.Free = len(t.freeList)
	return s
}

func (t *Table) forEachLive(fn func(slot uint32, n *node)) {
	for bi, b := range t.blocks {
		for i := range b {
			if b[i].state != Free {
				fn(uint32(bi*BlockSize+i), &b[i])
			}
		}
	}
}

// IterateStrongRoots calls fn with the location of every strong
// handle's value. fn must not call back into the table.
func (t *Table) IterateStrongRoots(fn func(*heap.Value)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachLive(func(_ uint32, n *node) {
		if n.state == Strong {
			fn(&n.value)
		}
	})
}

// IterateAllHandles calls fn with the location of every live handle's
// value, for updating references after objects move. fn must not call
// back into the table.
func (t *Table) IterateAllHandles(fn func(*heap.Value)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachLive(func(_ uint32, n *node) {
		fn(&n.value)
	})
}

// WeakResult summarizes one ProcessWeak pass.
type WeakResult struct {
	Callbacks int
	Released  int
	Revived   []Handle
	Reset     int
}

type pendingWeak struct {
	h        Handle
	callback WeakCallback
	data     any
}

// ProcessWeak handles every weak or traced node whose referent isLive
// rejects. Weak callbacks run without the table lock held, in slot
// order; a weak node still weak after its callback returns is
// released. Traced nodes are reset to heap.Null.
func (t *Table) ProcessWeak(isLive func(heap.Value) bool) WeakResult {
	var res WeakResult
	var pending []pendingWeak

	func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.forEachLive(func(slot uint32, n *node) {
			if !n.value.IsHeapObject() || n.value.IsNull() || isLive(n.value) {
				return
			}
			switch n.state {
			case Weak:
				pending = append(pending, pendingWeak{makeHandle(slot, n.gen), n.callback, n.data})
			case Traced:
				n.value = heap.Null
				res.Reset++
			}
		})
	}()

	for _, p := range pending {
		if p.callback != nil {
			p.callback(p.h, p.data)
			res.Callbacks++
		}

		t.mu.Lock()
		if int(p.h.slot()) < len(t.blocks)*BlockSize {
			n := t.nodeAt(p.h.slot())
			switch {
			case n.state == Free || n.gen != p.h.gen():
				// destroyed by the callback
			case n.state == Weak:
				t.release(p.h.slot(), n)
				res.Released++
			default:
				res.Revived = append(res.Revived, p.h)
			}
		}
		t.mu.Unlock()
	}
	return res
}
