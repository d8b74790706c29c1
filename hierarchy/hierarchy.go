// Package hierarchy loads and queries the location hierarchy: the tree of
// administrative units (national, admin-1, admin-2, ...) that raking walks
// to find each target location's envelope parent.
//
// The on-disk form is a CSV table with columns location_id, parent_id,
// level, location_name. A parent_id of 0 marks a root.
package hierarchy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// AdminTwoLevel is the hierarchy level of admin-2 (district) units, the
// default raking target level.
const AdminTwoLevel = 5

// DefaultImputeMap folds retired subnational location ids into their
// replacement units before raking. Values are merge-summed into the
// replacement id, so no counts are lost. Overridable in config.
func DefaultImputeMap() map[int64]int64 {
	return map[int64]int64{
		60908: 44858,
		95069: 44858,
		94364: 44858,
	}
}

// ErrUnknownLocation is returned when a queried location id is not in the
// hierarchy.
var ErrUnknownLocation = errors.New("unknown location")

// ErrBadRecord is returned when a hierarchy row is malformed.
var ErrBadRecord = errors.New("bad hierarchy record")

// ErrInvalidHierarchy is returned when the table as a whole is inconsistent:
// duplicate ids, unresolvable parents, self-parenting, or cycles.
var ErrInvalidHierarchy = errors.New("invalid hierarchy")

// Node is one location in the hierarchy.
type Node struct {
	ID       int64
	ParentID int64 // 0 for roots
	Level    int
	Name     string
}

// Hierarchy is a validated location tree. Immutable after load.
type Hierarchy struct {
	nodes map[int64]Node
	order []int64 // ids in sorted order
}

// Load reads and validates a hierarchy CSV from disk.
func Load(path string) (*Hierarchy, error) {
	f, err := os.Open(path) // #nosec G304 -- hierarchy path comes from run config
	if err != nil {
		return nil, fmt.Errorf("hierarchy: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: %s: %w", path, err)
	}
	return h, nil
}

// Parse reads and validates a hierarchy CSV from r. The header must carry
// location_id, parent_id and level columns; location_name is optional.
func Parse(r io.Reader) (*Hierarchy, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrBadRecord)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	idCol, ok := cols["location_id"]
	if !ok {
		return nil, fmt.Errorf("%w: missing location_id column", ErrBadRecord)
	}
	parentCol, ok := cols["parent_id"]
	if !ok {
		return nil, fmt.Errorf("%w: missing parent_id column", ErrBadRecord)
	}
	levelCol, ok := cols["level"]
	if !ok {
		return nil, fmt.Errorf("%w: missing level column", ErrBadRecord)
	}
	nameCol, hasName := cols["location_name"]

	nodes := make(map[int64]Node)
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: %v", line, ErrBadRecord, err)
		}

		id, err := strconv.ParseInt(strings.TrimSpace(record[idCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: location_id %q", line, ErrBadRecord, record[idCol])
		}
		parent, err := strconv.ParseInt(strings.TrimSpace(record[parentCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: parent_id %q", line, ErrBadRecord, record[parentCol])
		}
		level, err := strconv.Atoi(strings.TrimSpace(record[levelCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: level %q", line, ErrBadRecord, record[levelCol])
		}

		if _, dup := nodes[id]; dup {
			return nil, fmt.Errorf("row %d: %w: duplicate location_id %d", line, ErrInvalidHierarchy, id)
		}
		if parent == id {
			return nil, fmt.Errorf("row %d: %w: location %d is its own parent", line, ErrInvalidHierarchy, id)
		}

		node := Node{ID: id, ParentID: parent, Level: level}
		if hasName {
			node.Name = record[nameCol]
		}
		nodes[id] = node
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no locations", ErrInvalidHierarchy)
	}

	// Parents must resolve, and walking up must always reach a root.
	for id, node := range nodes {
		if node.ParentID == 0 {
			continue
		}
		if _, ok := nodes[node.ParentID]; !ok {
			return nil, fmt.Errorf("%w: location %d references unknown parent %d", ErrInvalidHierarchy, id, node.ParentID)
		}
	}
	if err := detectCycles(nodes); err != nil {
		return nil, err
	}

	order := make([]int64, 0, len(nodes))
	for id := range nodes {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	return &Hierarchy{nodes: nodes, order: order}, nil
}

// detectCycles walks every node to a root, failing when a walk revisits a
// node.
func detectCycles(nodes map[int64]Node) error {
	// 0 = unvisited, 1 = in current walk, 2 = proven acyclic.
	state := make(map[int64]int, len(nodes))
	for start := range nodes {
		var walk []int64
		id := start
		for id != 0 && state[id] != 2 {
			if state[id] == 1 {
				return fmt.Errorf("%w: cycle through location %d", ErrInvalidHierarchy, id)
			}
			state[id] = 1
			walk = append(walk, id)
			id = nodes[id].ParentID
		}
		for _, v := range walk {
			state[v] = 2
		}
	}
	return nil
}

// Len returns the number of locations.
func (h *Hierarchy) Len() int {
	return len(h.nodes)
}

// Node returns a location's record.
func (h *Hierarchy) Node(id int64) (Node, error) {
	node, ok := h.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("hierarchy: %w: %d", ErrUnknownLocation, id)
	}
	return node, nil
}

// ParentOf returns a location's parent id. Roots return 0.
func (h *Hierarchy) ParentOf(id int64) (int64, error) {
	node, ok := h.nodes[id]
	if !ok {
		return 0, fmt.Errorf("hierarchy: %w: %d", ErrUnknownLocation, id)
	}
	return node.ParentID, nil
}

// Ancestors returns a location's ancestors from immediate parent to root.
func (h *Hierarchy) Ancestors(id int64) ([]int64, error) {
	if _, ok := h.nodes[id]; !ok {
		return nil, fmt.Errorf("hierarchy: %w: %d", ErrUnknownLocation, id)
	}
	var out []int64
	for cur := h.nodes[id].ParentID; cur != 0; cur = h.nodes[cur].ParentID {
		out = append(out, cur)
	}
	return out, nil
}

// AtLevel returns the sorted location ids at the given level.
func (h *Hierarchy) AtLevel(level int) []int64 {
	var out []int64
	for _, id := range h.order {
		if h.nodes[id].Level == level {
			out = append(out, id)
		}
	}
	return out
}

// ParentMap returns location_id -> parent_id for every location at the
// given level. This is the child-to-parent mapping raking broadcasts
// factors through.
func (h *Hierarchy) ParentMap(level int) map[int64]int64 {
	out := make(map[int64]int64)
	for _, id := range h.order {
		if h.nodes[id].Level == level {
			out[id] = h.nodes[id].ParentID
		}
	}
	return out
}
