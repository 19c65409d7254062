// ABOUTME: JSON heap snapshots for debugging root retention and page occupancy
// ABOUTME: Writes and reads objects, roots and per-page bookkeeping

package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prateek/heapkeep/graph"
	"github.com/prateek/heapkeep/heap"
)

// ErrInvalid is returned for snapshots that decode but are inconsistent.
var ErrInvalid = errors.New("invalid snapshot")

// Snapshot is the JSON form of a heap.
type Snapshot struct {
	Objects []Object      `json:"objects"`
	Roots   []graph.ObjID `json:"roots"`
	Pages   []Page        `json:"pages"`
}

// Object is one heap object. Fields holding immediates are omitted
// from Ptrs.
type Object struct {
	ID   graph.ObjID   `json:"id"`
	Type string        `json:"type"`
	Addr heap.Address  `json:"addr"`
	Size int           `json:"size"`
	Ptrs []graph.ObjID `json:"ptrs"`
}

// Page is the bookkeeping state of one page.
type Page struct {
	ID        uint32 `json:"id"`
	Space     string `json:"space"`
	Flags     string `json:"flags"`
	LiveBytes int    `json:"live_bytes"`
	FreeBytes int    `json:"free_bytes"`
	Objects   int    `json:"objects"`
}

// Write encodes s to w.
func Write(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// CanRead checks if the preview looks like a snapshot
func CanRead(preview []byte) bool {
	var probe struct {
		Objects json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(preview), &probe); err != nil {
		return false
	}
	return probe.Objects != nil
}

// Read decodes a snapshot and validates its object references.
func Read(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	ids := make(map[graph.ObjID]bool, len(s.Objects))
	for i, obj := range s.Objects {
		if obj.ID == 0 {
			return nil, fmt.Errorf("object at index %d missing ID: %w", i, ErrInvalid)
		}
		ids[obj.ID] = true
	}
	for _, obj := range s.Objects {
		for _, p := range obj.Ptrs {
			if !ids[p] {
				return nil, fmt.Errorf("object %d points to unknown object %d: %w", obj.ID, p, ErrInvalid)
			}
		}
	}
	for _, id := range s.Roots {
		if !ids[id] {
			return nil, fmt.Errorf("root %d is not an object: %w", id, ErrInvalid)
		}
	}
	return &s, nil
}

// Graph rebuilds the object graph of s for offline analysis.
func (s *Snapshot) Graph() *graph.MemGraph {
	addrs := make(map[graph.ObjID]heap.Address, len(s.Objects))
	for _, obj := range s.Objects {
		addrs[obj.ID] = obj.Addr
	}

	g := graph.NewMemGraph()
	for _, obj := range s.Objects {
		fields := make([]heap.Value, len(obj.Ptrs))
		for i, p := range obj.Ptrs {
			fields[i] = heap.FromAddress(addrs[p])
		}
		g.AddObject(&graph.Object{
			ID:     obj.ID,
			Type:   obj.Type,
			Addr:   obj.Addr,
			Size:   obj.Size,
			Fields: fields,
		})
	}
	return g
}

// FromGraph captures the objects of g and the roots keeping them alive.
func FromGraph(g graph.Graph, roots []graph.ObjID) *Snapshot {
	s := &Snapshot{Roots: roots, Objects: []Object{}, Pages: []Page{}}
	if s.Roots == nil {
		s.Roots = []graph.ObjID{}
	}
	g.ForEachObject(func(obj *graph.Object) {
		ptrs := []graph.ObjID{}
		for _, f := range obj.Fields {
			if dst := g.Resolve(f); dst != nil {
				ptrs = append(ptrs, dst.ID)
			}
		}
		s.Objects = append(s.Objects, Object{
			ID:   obj.ID,
			Type: obj.Type,
			Addr: obj.Addr,
			Size: obj.Size,
			Ptrs: ptrs,
		})
	})
	return s
}
