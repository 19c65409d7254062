// ABOUTME: Tests for JSON heap snapshots
// ABOUTME: Validates encoding, decoding, validation and graph rebuild

package snapshot

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/prateek/heapkeep/graph"
	"github.com/prateek/heapkeep/heap"
)

func TestRead(t *testing.T) {
	jsonData := `{
		"objects": [
			{"id": 1, "type": "root", "addr": 262144, "size": 8, "ptrs": [2]},
			{"id": 2, "type": "child", "addr": 262152, "size": 4, "ptrs": []}
		],
		"roots": [1],
		"pages": [{"id": 1, "space": "old", "flags": "0", "live_bytes": 12, "free_bytes": 262132, "objects": 2}]
	}`

	s, err := Read(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(s.Objects) != 2 || len(s.Roots) != 1 || len(s.Pages) != 1 {
		t.Fatalf("decoded %d objects, %d roots, %d pages", len(s.Objects), len(s.Roots), len(s.Pages))
	}

	g := s.Graph()
	obj1 := g.GetObject(1)
	if obj1 == nil {
		t.Fatal("Object 1 not found")
	}
	if obj1.Type != "root" || obj1.Size != 8 {
		t.Errorf("object 1 = %+v", obj1)
	}
	if child := g.Resolve(obj1.Fields[0]); child == nil || child.ID != 2 {
		t.Errorf("Expected object 1 to point to 2, got %v", child)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{"Non-JSON", `not json`, false},
		{"Missing ID", `{"objects": [{"type": "x"}]}`, true},
		{"Dangling pointer", `{"objects": [{"id": 1, "ptrs": [7]}]}`, true},
		{"Unknown root", `{"objects": [{"id": 1}], "roots": [2]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.content))
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if errors.Is(err, ErrInvalid) != tt.invalid {
				t.Errorf("errors.Is(err, ErrInvalid) = %v for %v", !tt.invalid, err)
			}
		})
	}
}

func TestCanRead(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"Valid snapshot", `{"objects": [], "roots": []}`, true},
		{"Non-JSON", `not json at all`, false},
		{"JSON without objects key", `{"data": []}`, false},
		{"Empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanRead([]byte(tt.content)); got != tt.want {
				t.Errorf("CanRead() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteThenRead(t *testing.T) {
	g := graph.NewMemGraph()
	a := heap.MakeAddress(1, 0)
	b := heap.MakeAddress(2, 16)
	g.AddObject(&graph.Object{ID: 1, Type: "pair", Addr: a, Size: 12,
		Fields: []heap.Value{heap.FromAddress(b), heap.Smi(3)}})
	g.AddObject(&graph.Object{ID: 2, Type: "leaf", Addr: b, Size: 4})

	s := FromGraph(g, []graph.ObjID{1})
	s.Pages = append(s.Pages, Page{ID: 1, Space: "old", Flags: "NEVER_EVACUATE"})

	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		t.Fatal(err)
	}
	if !CanRead(buf.Bytes()) {
		t.Error("written snapshot not recognized")
	}
	back, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if len(back.Objects) != 2 || back.Objects[0].Addr != a {
		t.Fatalf("objects = %+v", back.Objects)
	}
	if ptrs := back.Objects[0].Ptrs; len(ptrs) != 1 || ptrs[0] != 2 {
		t.Errorf("immediate fields should be dropped from ptrs, got %v", ptrs)
	}
	if back.Pages[0].Flags != "NEVER_EVACUATE" {
		t.Errorf("pages = %+v", back.Pages)
	}
}
