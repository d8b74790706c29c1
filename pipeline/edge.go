// Package pipeline provides a generic staged-workflow engine with
// per-step persistence, retry policies, and deterministic scheduling.
package pipeline

// Edge represents a connection between two stages in the workflow graph.
//
// Edges define control flow between stages. They can be:
//   - Unconditional: always traverse (When = nil).
//   - Conditional: only traverse if the predicate returns true.
//
// Explicit routing returned by a stage (StageResult.Route) overrides
// edge-based routing; edges are the fallback. The first matching edge
// wins, in the order they were connected.
//
// Type parameter S is the state type used for predicate evaluation.
type Edge[S any] struct {
	// From is the source stage ID.
	From string

	// To is the destination stage ID.
	To string

	// When is an optional predicate controlling traversal.
	// If nil, the edge is unconditional.
	When Predicate[S]
}

// Predicate evaluates state to decide whether an edge should be traversed.
//
// Predicates should be pure functions (deterministic, no side effects).
// A raking pipeline uses one to short-circuit tasks whose output draw
// already exists:
//
//	eng.Connect("load_envelope", "done", func(s TaskState) bool {
//	    return s.OutputExists && !s.Overwrite
//	})
type Predicate[S any] func(state S) bool
