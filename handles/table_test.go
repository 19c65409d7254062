// ABOUTME: Tests for the global handle table and its node state machine
// ABOUTME: Covers identity, stale handle rejection, weak callbacks and revival

package handles

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/prateek/heapkeep/heap"
)

func expectViolation(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*heap.InvariantViolation); !ok {
			t.Errorf("%s: expected an invariant violation", what)
		}
	}()
	fn()
}

func ref(page uint32, offset int) heap.Value {
	return heap.FromAddress(heap.MakeAddress(page, offset))
}

func TestCreatePreservesValue(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tbl := NewTable()
	for i := 0; i < 2000; i++ {
		var v heap.Value
		if i%2 == 0 {
			v = ref(uint32(rng.Intn(100)+1), rng.Intn(1024)*heap.TaggedSize)
		} else {
			v = heap.Smi(rng.Int31())
		}
		h := tbl.Create(v)
		if got := tbl.Get(h); got != v {
			t.Fatalf("Create(%v) read back %v", v, got)
		}
		if tbl.State(h) != Strong {
			t.Fatalf("new handle state %v", tbl.State(h))
		}
	}
	if tbl.Len() != 2000 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestDestroyRejectsFurtherUse(t *testing.T) {
	tbl := NewTable()
	h := tbl.Create(heap.Smi(1))
	tbl.Destroy(h)

	expectViolation(t, "Get after Destroy", func() { tbl.Get(h) })
	expectViolation(t, "Destroy twice", func() { tbl.Destroy(h) })
	expectViolation(t, "MakeWeak after Destroy", func() { tbl.MakeWeak(h, nil, nil) })
	expectViolation(t, "nil handle", func() { tbl.Destroy(0) })
	if tbl.IsLive(h) {
		t.Error("destroyed handle reported live")
	}

	// The slot is reused, but the old handle stays rejected.
	h2 := tbl.Create(heap.Smi(2))
	if h2.slot() != h.slot() {
		t.Errorf("expected slot %d reused, got %d", h.slot(), h2.slot())
	}
	if h2 == h {
		t.Fatal("reused slot produced an identical handle")
	}
	expectViolation(t, "Get of stale handle", func() { tbl.Get(h) })
	if tbl.Get(h2) != heap.Smi(2) {
		t.Error("new handle does not read its value")
	}
}

func TestFreeListInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	tbl := NewTable()
	var live []Handle
	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			i := rng.Intn(len(live))
			tbl.Destroy(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			live = append(live, tbl.Create(heap.Smi(int32(step))))
		}

		st := tbl.Stats()
		if st.Strong != len(live) || tbl.Len() != len(live) {
			t.Fatalf("step %d: %d strong, Len %d, want %d", step, st.Strong, tbl.Len(), len(live))
		}
		if st.Free+st.Strong != tbl.Capacity() {
			t.Fatalf("step %d: free %d + live %d != capacity %d", step, st.Free, st.Strong, tbl.Capacity())
		}
	}
}

func TestSlotAddressIsStable(t *testing.T) {
	tbl := NewTable()
	h := tbl.Create(ref(1, 16))
	p := tbl.Slot(h)

	for i := 0; i < 10*BlockSize; i++ {
		tbl.Create(heap.Smi(int32(i)))
	}

	if tbl.Slot(h) != p {
		t.Fatal("node moved when the table grew")
	}
	*p = ref(2, 32)
	if tbl.Get(h) != ref(2, 32) {
		t.Error("write through slot not visible")
	}
}

func TestTableExhaustionIsFatal(t *testing.T) {
	tbl := NewTable()
	tbl.maxSlots = BlockSize
	for i := 0; i < BlockSize; i++ {
		tbl.Create(heap.Smi(0))
	}
	expectViolation(t, "exhaustion", func() { tbl.Create(heap.Smi(0)) })
}

func TestWeakTransitions(t *testing.T) {
	tbl := NewTable()
	h := tbl.Create(ref(1, 0))

	expectViolation(t, "ClearWeak on strong", func() { tbl.ClearWeak(h) })

	tbl.MakeWeak(h, nil, "payload")
	if !tbl.IsWeak(h) {
		t.Fatal("MakeWeak did not make the handle weak")
	}
	if data := tbl.ClearWeak(h); data != "payload" {
		t.Errorf("ClearWeak returned %v", data)
	}
	if tbl.State(h) != Strong {
		t.Errorf("state after ClearWeak = %v", tbl.State(h))
	}

	tr := tbl.CreateTraced(ref(1, 8))
	expectViolation(t, "MakeWeak on traced", func() { tbl.MakeWeak(tr, nil, nil) })
}

func TestProcessWeak(t *testing.T) {
	dead := ref(1, 0)
	alive := ref(1, 64)
	isLive := func(v heap.Value) bool { return v == alive }

	tests := []struct {
		name         string
		callback     func(tbl *Table) WeakCallback
		wantState    State // Free means released
		wantReleased int
		wantRevived  int
	}{
		{
			name:         "released without callback",
			callback:     func(*Table) WeakCallback { return nil },
			wantState:    Free,
			wantReleased: 1,
		},
		{
			name: "released after callback",
			callback: func(*Table) WeakCallback {
				return func(Handle, any) {}
			},
			wantState:    Free,
			wantReleased: 1,
		},
		{
			name: "revived by callback",
			callback: func(tbl *Table) WeakCallback {
				return func(h Handle, _ any) { tbl.ClearWeak(h) }
			},
			wantState:   Strong,
			wantRevived: 1,
		},
		{
			name: "destroyed by callback",
			callback: func(tbl *Table) WeakCallback {
				return func(h Handle, _ any) { tbl.Destroy(h) }
			},
			wantState: Free,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable()
			h := tbl.Create(dead)
			keep := tbl.Create(alive)
			tbl.MakeWeak(keep, func(Handle, any) { t.Error("callback for live referent") }, nil)
			tbl.MakeWeak(h, tt.callback(tbl), nil)

			res := tbl.ProcessWeak(isLive)

			if res.Released != tt.wantReleased || len(res.Revived) != tt.wantRevived {
				t.Errorf("released %d revived %d, want %d and %d",
					res.Released, len(res.Revived), tt.wantReleased, tt.wantRevived)
			}
			if tt.wantState == Free {
				if tbl.IsLive(h) {
					t.Error("handle should be released")
				}
			} else if tbl.State(h) != tt.wantState {
				t.Errorf("state = %v, want %v", tbl.State(h), tt.wantState)
			}
			if !tbl.IsWeak(keep) {
				t.Error("weak handle to live referent changed")
			}
		})
	}
}

func TestWeakCallbackFiresOnce(t *testing.T) {
	tbl := NewTable()
	calls := 0
	var gotData any
	h := tbl.Create(ref(3, 0))
	tbl.MakeWeak(h, func(_ Handle, data any) {
		calls++
		gotData = data
	}, 42)

	never := func(heap.Value) bool { return false }
	tbl.ProcessWeak(never)
	tbl.ProcessWeak(never)

	if calls != 1 {
		t.Errorf("callback ran %d times", calls)
	}
	if gotData != 42 {
		t.Errorf("callback data = %v", gotData)
	}
}

func TestProcessWeakIgnoresStrongAndSmi(t *testing.T) {
	tbl := NewTable()
	s := tbl.Create(ref(1, 0))
	smi := tbl.Create(heap.Smi(9))
	tbl.MakeWeak(smi, func(Handle, any) { t.Error("callback for immediate value") }, nil)

	res := tbl.ProcessWeak(func(heap.Value) bool { return false })

	if res.Released != 0 || res.Callbacks != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if !tbl.IsLive(s) || !tbl.IsLive(smi) {
		t.Error("handles released")
	}
}

func TestProcessWeakUnlocksWhenIsLivePanics(t *testing.T) {
	tbl := NewTable()
	h := tbl.Create(ref(1, 0))
	tbl.MakeWeak(h, nil, nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected isLive panic to propagate")
			}
		}()
		tbl.ProcessWeak(func(heap.Value) bool { panic("isLive") })
	}()

	// The table must still be usable.
	if tbl.Len() != 1 || !tbl.IsWeak(h) {
		t.Errorf("table state after panic: len %d", tbl.Len())
	}
}

func TestStatsCountsFreeSlots(t *testing.T) {
	tbl := NewTable()
	a := tbl.Create(ref(1, 0))
	tbl.Create(ref(1, 4))
	tbl.MakeWeak(tbl.Create(ref(1, 8)), nil, nil)
	tbl.CreateTraced(ref(1, 12))
	tbl.Destroy(a)

	s := tbl.Stats()
	want := Stats{Strong: 1, Weak: 1, Traced: 1, Free: BlockSize - 3}
	if s != want {
		t.Errorf("Stats() = %+v, want %+v", s, want)
	}
}

func TestTracedHandlesReset(t *testing.T) {
	tbl := NewTable()
	h := tbl.CreateTraced(ref(1, 0))

	var strong int
	tbl.IterateStrongRoots(func(*heap.Value) { strong++ })
	if strong != 0 {
		t.Error("traced handle reported as strong root")
	}

	res := tbl.ProcessWeak(func(heap.Value) bool { return false })
	if res.Reset != 1 {
		t.Errorf("Reset = %d", res.Reset)
	}
	if tbl.Get(h) != heap.Null || tbl.State(h) != Traced {
		t.Errorf("traced handle = %v, %v", tbl.Get(h), tbl.State(h))
	}
	tbl.Destroy(h)
}

func TestIterateRoots(t *testing.T) {
	tbl := NewTable()
	a := tbl.Create(ref(1, 0))
	b := tbl.Create(ref(1, 8))
	tbl.MakeWeak(b, nil, nil)
	tbl.CreateTraced(ref(1, 16))

	var strong, all int
	tbl.IterateStrongRoots(func(*heap.Value) { strong++ })
	tbl.IterateAllHandles(func(v *heap.Value) {
		all++
		*v = heap.Smi(7)
	})
	if strong != 1 || all != 3 {
		t.Errorf("strong %d all %d", strong, all)
	}
	if tbl.Get(a) != heap.Smi(7) {
		t.Error("IterateAllHandles did not update in place")
	}
}

func TestCopyAndClassID(t *testing.T) {
	tbl := NewTable()
	h := tbl.Create(ref(4, 4))
	tbl.SetClassID(h, 17)
	c := tbl.Copy(h)
	if tbl.Get(c) != tbl.Get(h) || c == h {
		t.Error("Copy should be a distinct handle to the same value")
	}
	if tbl.ClassID(h) != 17 || tbl.ClassID(c) != 0 {
		t.Errorf("class ids %d %d", tbl.ClassID(h), tbl.ClassID(c))
	}
}

func TestConcurrentCreateDestroy(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				v := heap.Smi(int32(g*1000 + i))
				h := tbl.Create(v)
				if tbl.Get(h) != v {
					t.Errorf("goroutine %d read wrong value", g)
					return
				}
				tbl.Destroy(h)
			}
		}(g)
	}
	wg.Wait()
	if tbl.Len() != 0 {
		t.Errorf("Len = %d after concurrent churn", tbl.Len())
	}
}

func BenchmarkCreateDestroy(b *testing.B) {
	tbl := NewTable()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		h := tbl.Create(heap.Smi(1))
		tbl.Destroy(h)
	}
}
