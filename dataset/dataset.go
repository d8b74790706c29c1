// Package dataset implements labeled N-dimensional grids of float64 values.
//
// A Dataset is a dense, row-major array whose axes are named dimensions
// (location_id, age_group_id, sex_id, year_id, ...) with integer coordinate
// labels. It covers the slice of array semantics a raking pipeline needs:
// coordinate-based selection, intersection alignment, grouped sums along one
// dimension, factor broadcast via a coordinate mapping, disjoint
// concatenation, and coordinate remapping with merge-summing.
//
// Datasets are immutable under transformation: every operation returns a new
// Dataset or an explicit error. There is no silent NaN propagation; a lookup
// of an unknown coordinate is an error, not a missing value.
package dataset

import (
	"fmt"
	"math"
	"sort"
)

// Conventional dimension names for burden-estimate grids.
const (
	DimLocation = "location_id"
	DimAge      = "age_group_id"
	DimSex      = "sex_id"
	DimYear     = "year_id"
	DimDraw     = "draw"
)

// DefaultDims is the canonical dimension order for draw-level burden files.
func DefaultDims() []string {
	return []string{DimLocation, DimAge, DimSex, DimYear}
}

// Dataset is a dense labeled grid. The zero value is not usable; construct
// datasets with New or a Builder.
type Dataset struct {
	dims    []string
	coords  map[string][]int64
	index   map[string]map[int64]int
	strides []int
	values  []float64
	attrs   map[string]string
}

// New creates a Dataset over the given dimensions and coordinates, with all
// values initialised to zero.
//
// Dimension names must be unique and non-empty. Every dimension must carry at
// least one coordinate, and coordinates must be unique within a dimension.
// Coordinate order is preserved as given; it defines the storage order.
func New(dims []string, coords map[string][]int64) (*Dataset, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("dataset: %w: no dimensions", ErrInvalidShape)
	}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if d == "" {
			return nil, fmt.Errorf("dataset: %w: empty dimension name", ErrInvalidShape)
		}
		if seen[d] {
			return nil, fmt.Errorf("dataset: %w: duplicate dimension %q", ErrInvalidShape, d)
		}
		seen[d] = true
	}

	ds := &Dataset{
		dims:   append([]string(nil), dims...),
		coords: make(map[string][]int64, len(dims)),
		index:  make(map[string]map[int64]int, len(dims)),
		attrs:  make(map[string]string),
	}

	size := 1
	for _, d := range dims {
		cs, ok := coords[d]
		if !ok || len(cs) == 0 {
			return nil, fmt.Errorf("dataset: %w: dimension %q has no coordinates", ErrInvalidShape, d)
		}
		idx := make(map[int64]int, len(cs))
		for i, c := range cs {
			if _, dup := idx[c]; dup {
				return nil, fmt.Errorf("dataset: %w: duplicate coordinate %d on dimension %q", ErrInvalidShape, c, d)
			}
			idx[c] = i
		}
		ds.coords[d] = append([]int64(nil), cs...)
		ds.index[d] = idx
		size *= len(cs)
	}

	ds.strides = make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		ds.strides[i] = stride
		stride *= len(ds.coords[dims[i]])
	}
	ds.values = make([]float64, size)
	return ds, nil
}

// Dims returns the dimension names in storage order.
func (ds *Dataset) Dims() []string {
	return append([]string(nil), ds.dims...)
}

// HasDim reports whether the dataset carries the named dimension.
func (ds *Dataset) HasDim(dim string) bool {
	_, ok := ds.coords[dim]
	return ok
}

// Coords returns the coordinate labels of a dimension in axis order.
func (ds *Dataset) Coords(dim string) ([]int64, error) {
	cs, ok := ds.coords[dim]
	if !ok {
		return nil, fmt.Errorf("dataset: %w: %q", ErrDimNotFound, dim)
	}
	return append([]int64(nil), cs...), nil
}

// Len returns the number of coordinates along a dimension, or 0 if the
// dimension does not exist.
func (ds *Dataset) Len(dim string) int {
	return len(ds.coords[dim])
}

// Size returns the total number of cells.
func (ds *Dataset) Size() int {
	return len(ds.values)
}

// Attr returns the named attribute, or "" when unset.
func (ds *Dataset) Attr(key string) string {
	return ds.attrs[key]
}

// SetAttr records a metadata attribute (cause, scenario, measure, draw, ...).
// Attributes travel with the dataset through transformations.
func (ds *Dataset) SetAttr(key, value string) {
	ds.attrs[key] = value
}

// Attrs returns a copy of all attributes.
func (ds *Dataset) Attrs() map[string]string {
	out := make(map[string]string, len(ds.attrs))
	for k, v := range ds.attrs {
		out[k] = v
	}
	return out
}

// offset translates a full coordinate key into a flat value index.
func (ds *Dataset) offset(key map[string]int64) (int, error) {
	if len(key) != len(ds.dims) {
		return 0, fmt.Errorf("dataset: %w: key has %d dims, dataset has %d", ErrInvalidShape, len(key), len(ds.dims))
	}
	off := 0
	for i, d := range ds.dims {
		c, ok := key[d]
		if !ok {
			return 0, fmt.Errorf("dataset: %w: key missing dimension %q", ErrDimNotFound, d)
		}
		pos, ok := ds.index[d][c]
		if !ok {
			return 0, fmt.Errorf("dataset: %w: %d on dimension %q", ErrCoordNotFound, c, d)
		}
		off += pos * ds.strides[i]
	}
	return off, nil
}

// At returns the value at the fully specified coordinate key.
func (ds *Dataset) At(key map[string]int64) (float64, error) {
	off, err := ds.offset(key)
	if err != nil {
		return 0, err
	}
	return ds.values[off], nil
}

// Set stores a value at the fully specified coordinate key.
func (ds *Dataset) Set(key map[string]int64, v float64) error {
	off, err := ds.offset(key)
	if err != nil {
		return err
	}
	ds.values[off] = v
	return nil
}

// Fill sets every cell to v.
func (ds *Dataset) Fill(v float64) {
	for i := range ds.values {
		ds.values[i] = v
	}
}

// Total returns the sum of all cells.
func (ds *Dataset) Total() float64 {
	var t float64
	for _, v := range ds.values {
		t += v
	}
	return t
}

// Clone returns a deep copy.
func (ds *Dataset) Clone() *Dataset {
	out := &Dataset{
		dims:    append([]string(nil), ds.dims...),
		coords:  make(map[string][]int64, len(ds.coords)),
		index:   make(map[string]map[int64]int, len(ds.index)),
		strides: append([]int(nil), ds.strides...),
		values:  append([]float64(nil), ds.values...),
		attrs:   make(map[string]string, len(ds.attrs)),
	}
	for d, cs := range ds.coords {
		out.coords[d] = append([]int64(nil), cs...)
	}
	for d, idx := range ds.index {
		m := make(map[int64]int, len(idx))
		for c, p := range idx {
			m[c] = p
		}
		out.index[d] = m
	}
	for k, v := range ds.attrs {
		out.attrs[k] = v
	}
	return out
}

// Each visits every cell in storage (row-major) order. The key slice is
// reused between calls; callers must not retain it.
func (ds *Dataset) Each(fn func(key []int64, v float64)) {
	n := len(ds.dims)
	pos := make([]int, n)
	key := make([]int64, n)
	for off := range ds.values {
		for i := 0; i < n; i++ {
			key[i] = ds.coords[ds.dims[i]][pos[i]]
		}
		fn(key, ds.values[off])
		for i := n - 1; i >= 0; i-- {
			pos[i]++
			if pos[i] < len(ds.coords[ds.dims[i]]) {
				break
			}
			pos[i] = 0
		}
	}
}

// AllClose reports whether two datasets have identical dimensions and
// coordinates (order included) and element-wise values within tol.
func (ds *Dataset) AllClose(other *Dataset, tol float64) bool {
	if other == nil || len(ds.dims) != len(other.dims) {
		return false
	}
	for i, d := range ds.dims {
		if other.dims[i] != d {
			return false
		}
		a, b := ds.coords[d], other.coords[d]
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	for i := range ds.values {
		if diff := math.Abs(ds.values[i] - other.values[i]); diff > tol {
			return false
		}
	}
	return true
}

// sortedIntersection returns the sorted intersection of two coordinate sets.
func sortedIntersection(a, b []int64) []int64 {
	set := make(map[int64]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []int64
	seen := make(map[int64]bool, len(b))
	for _, v := range b {
		if set[v] && !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
