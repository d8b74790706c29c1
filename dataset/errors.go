package dataset

import "errors"

// ErrDimNotFound is returned when an operation names a dimension the dataset
// does not carry.
var ErrDimNotFound = errors.New("dimension not found")

// ErrCoordNotFound is returned when a coordinate label is absent from the
// named dimension.
var ErrCoordNotFound = errors.New("coordinate not found")

// ErrInvalidShape is returned when dimensions, coordinates, or keys are
// structurally invalid (duplicates, empty axes, wrong arity).
var ErrInvalidShape = errors.New("invalid shape")

// ErrEmptySelection is returned when a selection or alignment would produce
// a dataset with an empty axis.
var ErrEmptySelection = errors.New("empty selection")

// ErrCoordOverlap is returned when a concatenation would duplicate
// coordinates along the concatenation dimension.
var ErrCoordOverlap = errors.New("overlapping coordinates")

// ErrMappingIncomplete is returned when a grouped sum or factor broadcast
// encounters a coordinate with no entry in the supplied mapping.
var ErrMappingIncomplete = errors.New("mapping does not cover coordinate")
