package hierarchy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sampleCSV is a three-level tree: country 1, provinces 10 and 20 under it,
// districts 100/101 under 10 and 200 under 20.
const sampleCSV = `location_id,parent_id,level,location_name
1,0,3,Country
10,1,4,Province A
20,1,4,Province B
100,10,5,District A1
101,10,5,District A2
200,20,5,District B1
`

func parseSample(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := Parse(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return h
}

func TestParse(t *testing.T) {
	h := parseSample(t)
	if h.Len() != 6 {
		t.Errorf("expected 6 locations, got %d", h.Len())
	}

	node, err := h.Node(100)
	if err != nil {
		t.Fatalf("Node failed: %v", err)
	}
	if node.ParentID != 10 || node.Level != 5 || node.Name != "District A1" {
		t.Errorf("node mismatch: %+v", node)
	}

	if _, err := h.Node(999); !errors.Is(err, ErrUnknownLocation) {
		t.Errorf("expected ErrUnknownLocation, got: %v", err)
	}
}

func TestParentOfAncestors(t *testing.T) {
	h := parseSample(t)

	parent, err := h.ParentOf(101)
	if err != nil {
		t.Fatalf("ParentOf failed: %v", err)
	}
	if parent != 10 {
		t.Errorf("expected parent 10, got %d", parent)
	}

	// Roots report parent 0.
	parent, err = h.ParentOf(1)
	if err != nil {
		t.Fatalf("ParentOf root failed: %v", err)
	}
	if parent != 0 {
		t.Errorf("expected root parent 0, got %d", parent)
	}

	anc, err := h.Ancestors(100)
	if err != nil {
		t.Fatalf("Ancestors failed: %v", err)
	}
	if len(anc) != 2 || anc[0] != 10 || anc[1] != 1 {
		t.Errorf("expected ancestors [10 1], got %v", anc)
	}

	if _, err := h.Ancestors(999); !errors.Is(err, ErrUnknownLocation) {
		t.Errorf("expected ErrUnknownLocation, got: %v", err)
	}
}

func TestAtLevelParentMap(t *testing.T) {
	h := parseSample(t)

	districts := h.AtLevel(AdminTwoLevel)
	want := []int64{100, 101, 200}
	if len(districts) != len(want) {
		t.Fatalf("expected %d districts, got %d", len(want), len(districts))
	}
	for i, id := range want {
		if districts[i] != id {
			t.Errorf("position %d: expected %d, got %d", i, id, districts[i])
		}
	}

	parents := h.ParentMap(AdminTwoLevel)
	if parents[100] != 10 || parents[101] != 10 || parents[200] != 20 {
		t.Errorf("parent map mismatch: %v", parents)
	}
	if len(parents) != 3 {
		t.Errorf("parent map should cover level-5 only: %v", parents)
	}

	if got := h.AtLevel(99); len(got) != 0 {
		t.Errorf("expected no locations at level 99, got %v", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty file", "", ErrBadRecord},
		{"missing location_id column", "parent_id,level\n0,1\n", ErrBadRecord},
		{"missing level column", "location_id,parent_id\n1,0\n", ErrBadRecord},
		{"non-integer id", "location_id,parent_id,level\nabc,0,1\n", ErrBadRecord},
		{"no locations", "location_id,parent_id,level\n", ErrInvalidHierarchy},
		{"duplicate id", "location_id,parent_id,level\n1,0,1\n1,0,1\n", ErrInvalidHierarchy},
		{"self parent", "location_id,parent_id,level\n1,1,1\n", ErrInvalidHierarchy},
		{"unknown parent", "location_id,parent_id,level\n1,99,1\n", ErrInvalidHierarchy},
		{"cycle", "location_id,parent_id,level\n1,2,1\n2,1,1\n", ErrInvalidHierarchy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.input)); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hierarchy.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	h, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if h.Len() != 6 {
		t.Errorf("expected 6 locations, got %d", h.Len())
	}

	if _, err := Load(filepath.Join(dir, "missing.csv")); err == nil {
		t.Error("Load of missing file should fail")
	}
}

func TestDefaultImputeMap(t *testing.T) {
	m := DefaultImputeMap()
	for _, legacy := range []int64{60908, 95069, 94364} {
		if m[legacy] != 44858 {
			t.Errorf("legacy id %d should map to 44858, got %d", legacy, m[legacy])
		}
	}
	// Callers get their own copy.
	m[60908] = 1
	if DefaultImputeMap()[60908] != 44858 {
		t.Error("DefaultImputeMap returned shared state")
	}
}
