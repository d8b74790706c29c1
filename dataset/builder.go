package dataset

import (
	"fmt"
	"sort"
)

// Builder accumulates sparse (coordinate, value) rows and assembles them
// into a dense Dataset. It is the construction path for tabular sources
// where the grid shape is only known after every row has been seen, which
// is exactly how draw files arrive.
//
// Coordinates along each dimension end up sorted ascending regardless of
// row order, so two files holding the same cells in different row order
// build identical datasets.
//
// Example:
//
//	b := dataset.NewBuilder(dataset.DefaultDims()...)
//	b.Add([]int64{631, 8, 1, 2030}, 12.5)
//	b.Add([]int64{631, 8, 2, 2030}, 9.1)
//	ds, err := b.Build()
type Builder struct {
	dims []string
	rows []builderRow
	err  error
}

type builderRow struct {
	key   []int64
	value float64
	line  int
}

// NewBuilder creates a Builder over the given dimensions in order.
func NewBuilder(dims ...string) *Builder {
	return &Builder{dims: append([]string(nil), dims...)}
}

// Add records one row. The key slice holds one coordinate per dimension in
// the order passed to NewBuilder. A key of the wrong arity poisons the
// builder; the error surfaces from Build.
func (b *Builder) Add(key []int64, value float64) {
	b.AddRow(key, value, len(b.rows)+1)
}

// AddRow is Add with an explicit source row number for error reporting,
// used by file readers that track line numbers.
func (b *Builder) AddRow(key []int64, value float64, line int) {
	if b.err != nil {
		return
	}
	if len(key) != len(b.dims) {
		b.err = fmt.Errorf("dataset: builder row %d: %w: key has %d coordinates, builder has %d dimensions",
			line, ErrInvalidShape, len(key), len(b.dims))
		return
	}
	b.rows = append(b.rows, builderRow{key: append([]int64(nil), key...), value: value, line: line})
}

// Len returns the number of rows added so far.
func (b *Builder) Len() int {
	return len(b.rows)
}

// Build assembles the rows into a dense Dataset.
//
// The rows must form a complete rectangular grid over the observed
// coordinates: every combination present exactly once. A duplicate cell or
// a missing combination is an error naming the offending row or cell, not a
// silently zero-filled hole.
func (b *Builder) Build() (*Dataset, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.rows) == 0 {
		return nil, fmt.Errorf("dataset: builder: %w: no rows", ErrInvalidShape)
	}

	coords := make(map[string][]int64, len(b.dims))
	for i, d := range b.dims {
		seen := make(map[int64]bool)
		var cs []int64
		for _, r := range b.rows {
			if !seen[r.key[i]] {
				seen[r.key[i]] = true
				cs = append(cs, r.key[i])
			}
		}
		sort.Slice(cs, func(a, z int) bool { return cs[a] < cs[z] })
		coords[d] = cs
	}

	ds, err := New(b.dims, coords)
	if err != nil {
		return nil, err
	}

	filled := make(map[int]int, len(b.rows)) // offset -> source line
	key := make(map[string]int64, len(b.dims))
	for _, r := range b.rows {
		for i, d := range b.dims {
			key[d] = r.key[i]
		}
		off, err := ds.offset(key)
		if err != nil {
			return nil, fmt.Errorf("dataset: builder row %d: %w", r.line, err)
		}
		if prev, dup := filled[off]; dup {
			return nil, fmt.Errorf("dataset: builder row %d: %w: duplicate of row %d: %v",
				r.line, ErrCoordOverlap, prev, r.key)
		}
		filled[off] = r.line
		ds.values[off] = r.value
	}

	if len(filled) != ds.Size() {
		return nil, fmt.Errorf("dataset: builder: %w: %d rows do not fill a %d-cell grid",
			ErrInvalidShape, len(filled), ds.Size())
	}
	return ds, nil
}
