package dataset

import (
	"errors"
	"testing"
)

// grid2x2 builds a 2-location, 2-age dataset with values 1..4 in row-major
// order.
func grid2x2(t *testing.T) *Dataset {
	t.Helper()
	ds, err := New([]string{DimLocation, DimAge}, map[string][]int64{
		DimLocation: {10, 20},
		DimAge:      {8, 9},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v := 1.0
	for _, loc := range []int64{10, 20} {
		for _, age := range []int64{8, 9} {
			if err := ds.Set(map[string]int64{DimLocation: loc, DimAge: age}, v); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			v++
		}
	}
	return ds
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		dims   []string
		coords map[string][]int64
	}{
		{"no dimensions", nil, nil},
		{"empty dimension name", []string{""}, map[string][]int64{"": {1}}},
		{"duplicate dimension", []string{"a", "a"}, map[string][]int64{"a": {1}}},
		{"missing coordinates", []string{"a"}, map[string][]int64{}},
		{"empty coordinates", []string{"a"}, map[string][]int64{"a": {}}},
		{"duplicate coordinate", []string{"a"}, map[string][]int64{"a": {1, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.dims, tt.coords); !errors.Is(err, ErrInvalidShape) {
				t.Errorf("expected ErrInvalidShape, got: %v", err)
			}
		})
	}
}

func TestAtSet(t *testing.T) {
	ds := grid2x2(t)

	got, err := ds.At(map[string]int64{DimLocation: 20, DimAge: 8})
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if got != 3 {
		t.Errorf("expected 3, got %v", got)
	}

	// Unknown coordinate is an error, not a NaN.
	if _, err := ds.At(map[string]int64{DimLocation: 99, DimAge: 8}); !errors.Is(err, ErrCoordNotFound) {
		t.Errorf("expected ErrCoordNotFound, got: %v", err)
	}
	// Missing dimension in the key.
	if _, err := ds.At(map[string]int64{DimLocation: 10}); err == nil {
		t.Error("expected error for incomplete key")
	}
	// Extra dimension in the key.
	if _, err := ds.At(map[string]int64{DimLocation: 10, DimAge: 8, DimSex: 1}); err == nil {
		t.Error("expected error for oversized key")
	}
}

func TestTotalFillClone(t *testing.T) {
	ds := grid2x2(t)
	if ds.Total() != 10 {
		t.Errorf("expected Total = 10, got %v", ds.Total())
	}

	clone := ds.Clone()
	clone.Fill(0)
	if clone.Total() != 0 {
		t.Errorf("expected filled clone Total = 0, got %v", clone.Total())
	}
	if ds.Total() != 10 {
		t.Error("Fill on clone mutated the original")
	}

	ds.SetAttr("cause", "malaria")
	if ds.Clone().Attr("cause") != "malaria" {
		t.Error("Clone dropped attributes")
	}
}

func TestEach_RowMajorOrder(t *testing.T) {
	ds := grid2x2(t)

	var keys [][2]int64
	var values []float64
	ds.Each(func(key []int64, v float64) {
		keys = append(keys, [2]int64{key[0], key[1]})
		values = append(values, v)
	})

	wantKeys := [][2]int64{{10, 8}, {10, 9}, {20, 8}, {20, 9}}
	wantValues := []float64{1, 2, 3, 4}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Errorf("position %d: expected key %v, got %v", i, wantKeys[i], keys[i])
		}
		if values[i] != wantValues[i] {
			t.Errorf("position %d: expected value %v, got %v", i, wantValues[i], values[i])
		}
	}
}

func TestAllClose(t *testing.T) {
	a := grid2x2(t)
	b := grid2x2(t)
	if !a.AllClose(b, 1e-9) {
		t.Error("identical datasets should be close")
	}

	_ = b.Set(map[string]int64{DimLocation: 10, DimAge: 8}, 1.0000001)
	if !a.AllClose(b, 1e-3) {
		t.Error("datasets within tolerance should be close")
	}
	if a.AllClose(b, 1e-9) {
		t.Error("datasets beyond tolerance should not be close")
	}
	if a.AllClose(nil, 1e-9) {
		t.Error("nil comparison should not be close")
	}
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(DimLocation, DimAge)
	// Rows out of order: coordinates still come out sorted.
	b.Add([]int64{20, 9}, 4)
	b.Add([]int64{10, 8}, 1)
	b.Add([]int64{20, 8}, 3)
	b.Add([]int64{10, 9}, 2)

	ds, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !ds.AllClose(grid2x2(t), 1e-12) {
		t.Error("built dataset does not match expected grid")
	}

	locs, _ := ds.Coords(DimLocation)
	if locs[0] != 10 || locs[1] != 20 {
		t.Errorf("coordinates not sorted: %v", locs)
	}
}

func TestBuilder_Errors(t *testing.T) {
	// Empty builder.
	if _, err := NewBuilder(DimLocation).Build(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("expected ErrInvalidShape for empty builder, got: %v", err)
	}

	// Wrong key arity poisons the builder.
	bad := NewBuilder(DimLocation, DimAge)
	bad.Add([]int64{10}, 1)
	if _, err := bad.Build(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("expected ErrInvalidShape for bad arity, got: %v", err)
	}

	// Duplicate cell.
	dup := NewBuilder(DimLocation, DimAge)
	dup.Add([]int64{10, 8}, 1)
	dup.Add([]int64{10, 8}, 2)
	if _, err := dup.Build(); !errors.Is(err, ErrCoordOverlap) {
		t.Errorf("expected ErrCoordOverlap for duplicate cell, got: %v", err)
	}

	// Ragged grid: (10,8), (10,9), (20,8) but no (20,9).
	ragged := NewBuilder(DimLocation, DimAge)
	ragged.Add([]int64{10, 8}, 1)
	ragged.Add([]int64{10, 9}, 2)
	ragged.Add([]int64{20, 8}, 3)
	if _, err := ragged.Build(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("expected ErrInvalidShape for ragged grid, got: %v", err)
	}
}
