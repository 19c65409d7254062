// ABOUTME: End-to-end tests for the complete heapkeep system
// ABOUTME: Drives a heap through allocation, weak callbacks, compaction and snapshots

package heapkeep_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prateek/heapkeep"
	"github.com/prateek/heapkeep/collector"
	"github.com/prateek/heapkeep/handles"
	"github.com/prateek/heapkeep/heap"
	"github.com/prateek/heapkeep/snapshot"
)

func TestVersion(t *testing.T) {
	if !strings.HasPrefix(heapkeep.Version, "0.") {
		t.Errorf("Version should start with %q, got %q", "0.", heapkeep.Version)
	}
}

func TestEndToEnd(t *testing.T) {
	h := collector.New(collector.WithEvacuationThreshold(100))

	// A cache entry held weakly, a pinned table and a scoped list.
	entry, err := h.Allocate(collector.OldSpace, 32, heap.Smi(42))
	if err != nil {
		t.Fatal(err)
	}
	table, err := h.Allocate(collector.CodeSpace, 0, heap.Smi(0), heap.Smi(0))
	if err != nil {
		t.Fatal(err)
	}
	h.Pin(table)
	h.Globals.Create(table)

	cache := h.Globals.Create(entry)
	evicted := false
	h.Globals.MakeWeak(cache, func(handles.Handle, any) { evicted = true }, nil)

	scope := h.Roots.NewVector()
	node, _ := h.Allocate(collector.OldSpace, 0, heap.Smi(1))
	h.WriteField(table, 0, node)
	scope.Push(node)

	// First cycle: the entry is only weakly held.
	stats := h.Collect()
	if !evicted || h.Globals.IsLive(cache) {
		t.Fatalf("weak entry not evicted: %+v", stats.Weak)
	}

	// The node moved off its page; the pinned table and the scope follow it.
	moved := h.ReadField(table, 0)
	if moved != scope.At(0) {
		t.Errorf("table field %v, scope %v", moved, scope.At(0))
	}
	if h.ReadField(moved, 0) != heap.Smi(1) {
		t.Error("node contents lost")
	}

	// Leaving the scope keeps the node alive through the table only.
	scope.Pop()
	scope.Close()
	h.Collect()
	paths := h.RetainingPaths(h.ReadField(table, 0), 2)
	if len(paths) != 1 || len(paths[0].IDs) != 2 {
		t.Errorf("paths = %v", paths)
	}

	var buf bytes.Buffer
	if err := h.Snapshot(&buf); err != nil {
		t.Fatal(err)
	}
	s, err := snapshot.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Objects) != 2 {
		t.Errorf("snapshot has %d objects, want 2", len(s.Objects))
	}
	g := s.Graph()
	if g.NumObjects() != 2 {
		t.Errorf("rebuilt graph has %d objects", g.NumObjects())
	}
}
