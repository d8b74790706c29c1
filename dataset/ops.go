package dataset

import (
	"fmt"
	"sort"
)

// Select returns a new dataset restricted to the given coordinates along one
// dimension, in the order given. Every requested coordinate must exist.
func (ds *Dataset) Select(dim string, keep []int64) (*Dataset, error) {
	idx, ok := ds.index[dim]
	if !ok {
		return nil, fmt.Errorf("dataset: select: %w: %q", ErrDimNotFound, dim)
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("dataset: select on %q: %w", dim, ErrEmptySelection)
	}
	for _, c := range keep {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("dataset: select: %w: %d on dimension %q", ErrCoordNotFound, c, dim)
		}
	}

	coords := make(map[string][]int64, len(ds.dims))
	for _, d := range ds.dims {
		if d == dim {
			coords[d] = keep
		} else {
			coords[d] = ds.coords[d]
		}
	}
	out, err := New(ds.dims, coords)
	if err != nil {
		return nil, err
	}
	out.attrs = ds.Attrs()

	posMap := ds.identityPosMap()
	axis := ds.axisOf(dim)
	m := make([]int, len(keep))
	for i, c := range keep {
		m[i] = idx[c]
	}
	posMap[axis] = m
	copyRemapped(out, ds, posMap)
	return out, nil
}

// SelectValue restricts a dimension to a single coordinate and drops the
// dimension. It is how a single draw is pulled out of an envelope file that
// stores all draws.
func (ds *Dataset) SelectValue(dim string, value int64) (*Dataset, error) {
	sel, err := ds.Select(dim, []int64{value})
	if err != nil {
		return nil, err
	}
	return sel.Squeeze(dim)
}

// Squeeze removes a dimension of length one.
func (ds *Dataset) Squeeze(dim string) (*Dataset, error) {
	if !ds.HasDim(dim) {
		return nil, fmt.Errorf("dataset: squeeze: %w: %q", ErrDimNotFound, dim)
	}
	if ds.Len(dim) != 1 {
		return nil, fmt.Errorf("dataset: squeeze: %w: dimension %q has length %d", ErrInvalidShape, dim, ds.Len(dim))
	}
	dims := make([]string, 0, len(ds.dims)-1)
	coords := make(map[string][]int64, len(ds.dims)-1)
	for _, d := range ds.dims {
		if d == dim {
			continue
		}
		dims = append(dims, d)
		coords[d] = ds.coords[d]
	}
	out, err := New(dims, coords)
	if err != nil {
		return nil, err
	}
	out.attrs = ds.Attrs()
	copy(out.values, ds.values)
	return out, nil
}

// SharedCoords returns the sorted intersection of coordinates that this
// dataset and other have in common along dim.
func (ds *Dataset) SharedCoords(other *Dataset, dim string) ([]int64, error) {
	a, ok := ds.coords[dim]
	if !ok {
		return nil, fmt.Errorf("dataset: shared coords: %w: %q", ErrDimNotFound, dim)
	}
	b, ok := other.coords[dim]
	if !ok {
		return nil, fmt.Errorf("dataset: shared coords: %w: %q in other dataset", ErrDimNotFound, dim)
	}
	return sortedIntersection(a, b), nil
}

// AlignTo subsets this dataset to the sorted coordinate intersection with
// other along each named dimension. An empty intersection is an error: raking
// a dataset that shares no ages or sexes with its envelope is a data problem,
// not a no-op.
func (ds *Dataset) AlignTo(other *Dataset, dims ...string) (*Dataset, error) {
	out := ds
	for _, d := range dims {
		shared, err := out.SharedCoords(other, d)
		if err != nil {
			return nil, err
		}
		if len(shared) == 0 {
			return nil, fmt.Errorf("dataset: align on %q: %w", d, ErrEmptySelection)
		}
		out, err = out.Select(d, shared)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SumBy collapses one dimension into groups: each coordinate is mapped to a
// group key and all cells sharing a group key are summed. The resulting
// dimension carries the sorted distinct group keys. Every coordinate must be
// covered by the mapping.
//
// Summing admin-2 locations into their admin-1 parents is
//
//	sums, err := target.SumBy(dataset.DimLocation, parentOf)
func (ds *Dataset) SumBy(dim string, groups map[int64]int64) (*Dataset, error) {
	if !ds.HasDim(dim) {
		return nil, fmt.Errorf("dataset: sum by: %w: %q", ErrDimNotFound, dim)
	}

	groupSet := make(map[int64]bool)
	for _, c := range ds.coords[dim] {
		g, ok := groups[c]
		if !ok {
			return nil, fmt.Errorf("dataset: sum by %q: %w: %d", dim, ErrMappingIncomplete, c)
		}
		groupSet[g] = true
	}
	groupCoords := make([]int64, 0, len(groupSet))
	for g := range groupSet {
		groupCoords = append(groupCoords, g)
	}
	sort.Slice(groupCoords, func(i, j int) bool { return groupCoords[i] < groupCoords[j] })

	coords := make(map[string][]int64, len(ds.dims))
	for _, d := range ds.dims {
		if d == dim {
			coords[d] = groupCoords
		} else {
			coords[d] = ds.coords[d]
		}
	}
	out, err := New(ds.dims, coords)
	if err != nil {
		return nil, err
	}
	out.attrs = ds.Attrs()

	axis := ds.axisOf(dim)
	// srcPos -> dstPos along the grouped axis.
	groupPos := make([]int, ds.Len(dim))
	for i, c := range ds.coords[dim] {
		groupPos[i] = out.index[dim][groups[c]]
	}

	n := len(ds.dims)
	pos := make([]int, n)
	for off := range ds.values {
		dstOff := 0
		for i := 0; i < n; i++ {
			p := pos[i]
			if i == axis {
				p = groupPos[pos[i]]
			}
			dstOff += p * out.strides[i]
		}
		out.values[dstOff] += ds.values[off]
		advance(pos, ds)
	}
	return out, nil
}

// Scale multiplies every cell by a factor looked up in factors: the cell's
// coordinate along dim is translated through mapping (child to parent), the
// remaining dimensions are matched by name and coordinate. factors must carry
// exactly the same dimension names as the receiver.
func (ds *Dataset) Scale(dim string, mapping map[int64]int64, factors *Dataset) (*Dataset, error) {
	if !ds.HasDim(dim) {
		return nil, fmt.Errorf("dataset: scale: %w: %q", ErrDimNotFound, dim)
	}
	if len(factors.dims) != len(ds.dims) {
		return nil, fmt.Errorf("dataset: scale: %w: factor dims %v, dataset dims %v", ErrInvalidShape, factors.dims, ds.dims)
	}
	for _, d := range ds.dims {
		if !factors.HasDim(d) {
			return nil, fmt.Errorf("dataset: scale: %w: factors missing dimension %q", ErrDimNotFound, d)
		}
	}

	// Per-axis translation from receiver positions to factor positions.
	axis := ds.axisOf(dim)
	trans := make([][]int, len(ds.dims))
	for i, d := range ds.dims {
		cs := ds.coords[d]
		t := make([]int, len(cs))
		for j, c := range cs {
			lookup := c
			if i == axis {
				parent, ok := mapping[c]
				if !ok {
					return nil, fmt.Errorf("dataset: scale on %q: %w: %d", dim, ErrMappingIncomplete, c)
				}
				lookup = parent
			}
			p, ok := factors.index[d][lookup]
			if !ok {
				return nil, fmt.Errorf("dataset: scale: %w: %d on factor dimension %q", ErrCoordNotFound, lookup, d)
			}
			t[j] = p
		}
		trans[i] = t
	}

	out := ds.Clone()
	fAxes := make([]int, len(ds.dims))
	for i, d := range ds.dims {
		fAxes[i] = factors.axisOf(d)
	}

	n := len(ds.dims)
	pos := make([]int, n)
	for off := range ds.values {
		fOff := 0
		for i := 0; i < n; i++ {
			fOff += trans[i][pos[i]] * factors.strides[fAxes[i]]
		}
		out.values[off] = ds.values[off] * factors.values[fOff]
		advance(pos, ds)
	}
	return out, nil
}

// Transpose reorders the dimensions to the given order. The order must name
// exactly the dataset's dimensions. Values are rearranged into the new
// row-major layout; coordinates are unchanged.
func (ds *Dataset) Transpose(order ...string) (*Dataset, error) {
	if len(order) != len(ds.dims) {
		return nil, fmt.Errorf("dataset: transpose: %w: %d dims given, dataset has %d", ErrInvalidShape, len(order), len(ds.dims))
	}
	coords := make(map[string][]int64, len(order))
	for _, d := range order {
		cs, ok := ds.coords[d]
		if !ok {
			return nil, fmt.Errorf("dataset: transpose: %w: %q", ErrDimNotFound, d)
		}
		if _, dup := coords[d]; dup {
			return nil, fmt.Errorf("dataset: transpose: %w: duplicate dimension %q", ErrInvalidShape, d)
		}
		coords[d] = cs
	}

	out, err := New(order, coords)
	if err != nil {
		return nil, err
	}
	out.attrs = ds.Attrs()

	// Destination stride per source axis.
	dstStride := make([]int, len(ds.dims))
	for i, d := range ds.dims {
		dstStride[i] = out.strides[out.axisOf(d)]
	}

	n := len(ds.dims)
	pos := make([]int, n)
	for off := range ds.values {
		dstOff := 0
		for i := 0; i < n; i++ {
			dstOff += pos[i] * dstStride[i]
		}
		out.values[dstOff] = ds.values[off]
		advance(pos, ds)
	}
	return out, nil
}

// Zip combines two datasets cell-wise. Both must have identical dimensions
// and coordinate order; align them first.
func (ds *Dataset) Zip(other *Dataset, fn func(a, b float64) float64) (*Dataset, error) {
	if len(ds.dims) != len(other.dims) {
		return nil, fmt.Errorf("dataset: zip: %w: dimension count differs", ErrInvalidShape)
	}
	for i, d := range ds.dims {
		if other.dims[i] != d {
			return nil, fmt.Errorf("dataset: zip: %w: dimension order differs at %q", ErrInvalidShape, d)
		}
		a, b := ds.coords[d], other.coords[d]
		if len(a) != len(b) {
			return nil, fmt.Errorf("dataset: zip: %w: dimension %q has %d vs %d coordinates", ErrInvalidShape, d, len(a), len(b))
		}
		for j := range a {
			if a[j] != b[j] {
				return nil, fmt.Errorf("dataset: zip: %w: coordinate mismatch on %q", ErrInvalidShape, d)
			}
		}
	}
	out := ds.Clone()
	for i := range out.values {
		out.values[i] = fn(ds.values[i], other.values[i])
	}
	return out, nil
}

// Concat appends other along dim. Both datasets must have the same dimension
// order and identical coordinates on every other dimension; coordinates along
// dim must be disjoint. The receiver's coordinates come first.
func (ds *Dataset) Concat(dim string, other *Dataset) (*Dataset, error) {
	if !ds.HasDim(dim) || !other.HasDim(dim) {
		return nil, fmt.Errorf("dataset: concat: %w: %q", ErrDimNotFound, dim)
	}
	if len(ds.dims) != len(other.dims) {
		return nil, fmt.Errorf("dataset: concat: %w: dimension count differs", ErrInvalidShape)
	}
	for i, d := range ds.dims {
		if other.dims[i] != d {
			return nil, fmt.Errorf("dataset: concat: %w: dimension order differs at %q", ErrInvalidShape, d)
		}
		if d == dim {
			continue
		}
		a, b := ds.coords[d], other.coords[d]
		if len(a) != len(b) {
			return nil, fmt.Errorf("dataset: concat: %w: dimension %q differs", ErrInvalidShape, d)
		}
		for j := range a {
			if a[j] != b[j] {
				return nil, fmt.Errorf("dataset: concat: %w: dimension %q differs", ErrInvalidShape, d)
			}
		}
	}
	for _, c := range other.coords[dim] {
		if _, ok := ds.index[dim][c]; ok {
			return nil, fmt.Errorf("dataset: concat along %q: %w: %d", dim, ErrCoordOverlap, c)
		}
	}

	merged := make([]int64, 0, ds.Len(dim)+other.Len(dim))
	merged = append(merged, ds.coords[dim]...)
	merged = append(merged, other.coords[dim]...)

	coords := make(map[string][]int64, len(ds.dims))
	for _, d := range ds.dims {
		if d == dim {
			coords[d] = merged
		} else {
			coords[d] = ds.coords[d]
		}
	}
	out, err := New(ds.dims, coords)
	if err != nil {
		return nil, err
	}
	out.attrs = ds.Attrs()

	axis := ds.axisOf(dim)

	posMap := ds.identityPosMap()
	m := make([]int, ds.Len(dim))
	for i := range m {
		m[i] = i
	}
	posMap[axis] = m
	fillRemapped(out, ds, posMap, 0)

	posMapOther := other.identityPosMap()
	mo := make([]int, other.Len(dim))
	for i := range mo {
		mo[i] = i
	}
	posMapOther[axis] = mo
	fillRemapped(out, other, posMapOther, ds.Len(dim))
	return out, nil
}

// RemapCoords rewrites coordinates along dim through mapping. When the
// replacement coordinate already exists, the source cells are merge-summed
// into it and the source coordinate is dropped; otherwise the coordinate is
// renamed in place. Coordinates absent from the mapping are unchanged.
//
// This is the legacy location-id imputation step: retired subnational ids
// fold into their replacement unit without losing counts.
func (ds *Dataset) RemapCoords(dim string, mapping map[int64]int64) (*Dataset, error) {
	if !ds.HasDim(dim) {
		return nil, fmt.Errorf("dataset: remap coords: %w: %q", ErrDimNotFound, dim)
	}
	if len(mapping) == 0 {
		return ds.Clone(), nil
	}

	// Output coordinate per source position, first-seen order.
	outIndex := make(map[int64]int)
	var outCoords []int64
	srcToDst := make([]int, ds.Len(dim))
	for i, c := range ds.coords[dim] {
		target := c
		if t, ok := mapping[c]; ok {
			target = t
		}
		p, ok := outIndex[target]
		if !ok {
			p = len(outCoords)
			outCoords = append(outCoords, target)
			outIndex[target] = p
		}
		srcToDst[i] = p
	}

	coords := make(map[string][]int64, len(ds.dims))
	for _, d := range ds.dims {
		if d == dim {
			coords[d] = outCoords
		} else {
			coords[d] = ds.coords[d]
		}
	}
	out, err := New(ds.dims, coords)
	if err != nil {
		return nil, err
	}
	out.attrs = ds.Attrs()

	axis := ds.axisOf(dim)
	n := len(ds.dims)
	pos := make([]int, n)
	for off := range ds.values {
		dstOff := 0
		for i := 0; i < n; i++ {
			p := pos[i]
			if i == axis {
				p = srcToDst[pos[i]]
			}
			dstOff += p * out.strides[i]
		}
		out.values[dstOff] += ds.values[off]
		advance(pos, ds)
	}
	return out, nil
}

// axisOf returns the axis index of a dimension; callers must have verified
// the dimension exists.
func (ds *Dataset) axisOf(dim string) int {
	for i, d := range ds.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// identityPosMap builds an identity position map for every axis.
func (ds *Dataset) identityPosMap() [][]int {
	out := make([][]int, len(ds.dims))
	for i, d := range ds.dims {
		m := make([]int, len(ds.coords[d]))
		for j := range m {
			m[j] = j
		}
		out[i] = m
	}
	return out
}

// copyRemapped fills dst from src where posMap[axis][dstPos] = srcPos.
func copyRemapped(dst, src *Dataset, posMap [][]int) {
	n := len(dst.dims)
	pos := make([]int, n)
	for off := range dst.values {
		srcOff := 0
		for i := 0; i < n; i++ {
			srcOff += posMap[i][pos[i]] * src.strides[i]
		}
		dst.values[off] = src.values[srcOff]
		advance(pos, dst)
	}
}

// fillRemapped copies src into dst where posMap[axis][srcPos] = dstPos within
// src's own extent, offsetting the concat axis by axisOffset.
func fillRemapped(dst, src *Dataset, posMap [][]int, axisOffset int) {
	n := len(src.dims)
	concatAxis := -1
	for i, d := range src.dims {
		if dst.Len(d) != src.Len(d) {
			concatAxis = i
		}
	}
	pos := make([]int, n)
	for off := range src.values {
		dstOff := 0
		for i := 0; i < n; i++ {
			p := posMap[i][pos[i]]
			if i == concatAxis {
				p += axisOffset
			}
			dstOff += p * dst.strides[i]
		}
		dst.values[dstOff] = src.values[off]
		advance(pos, src)
	}
}

// advance increments a row-major odometer over ds's shape.
func advance(pos []int, ds *Dataset) {
	for i := len(pos) - 1; i >= 0; i-- {
		pos[i]++
		if pos[i] < len(ds.coords[ds.dims[i]]) {
			return
		}
		pos[i] = 0
	}
}
