// Package workflow launches raking runs: it expands the
// cause/scenario/measure/draw grid into tasks, records them in a run
// registry, and executes them on a bounded worker pool with deterministic
// dispatch order.
package workflow

import (
	"fmt"

	"github.com/dshills/epirake/rake"
)

// DefaultDrawCount is the number of draws in a full production run.
const DefaultDrawCount = 100

// Grid is the task expansion space of a run.
type Grid struct {
	// Causes to rake. Empty means all known causes.
	Causes []string

	// Scenarios to rake. Empty means all known scenarios.
	Scenarios []int

	// Measures to rake. Empty means all known measures.
	Measures []string

	// Draws to rake. Empty means 0..DefaultDrawCount-1.
	Draws []int
}

// DefaultGrid returns the full production grid: every cause, scenario, and
// measure across DefaultDrawCount draws.
func DefaultGrid() Grid {
	return Grid{}
}

func (g Grid) causes() []string {
	if len(g.Causes) == 0 {
		return rake.Causes()
	}
	return g.Causes
}

func (g Grid) scenarios() []int {
	if len(g.Scenarios) == 0 {
		return rake.Scenarios()
	}
	return g.Scenarios
}

func (g Grid) measures() []string {
	if len(g.Measures) == 0 {
		return rake.Measures()
	}
	return g.Measures
}

func (g Grid) draws() []int {
	if len(g.Draws) > 0 {
		return g.Draws
	}
	draws := make([]int, DefaultDrawCount)
	for i := range draws {
		draws[i] = i
	}
	return draws
}

// Size returns the number of tasks the grid expands to.
func (g Grid) Size() int {
	return len(g.causes()) * len(g.scenarios()) * len(g.measures()) * len(g.draws())
}

// Validate checks every grid axis against the task vocabularies. The first
// invalid value is reported.
func (g Grid) Validate() error {
	for _, c := range g.causes() {
		for _, s := range g.scenarios() {
			for _, m := range g.measures() {
				t := rake.Task{Cause: c, Scenario: s, Measure: m}
				if err := t.Validate(); err != nil {
					return fmt.Errorf("workflow: grid: %w", err)
				}
			}
		}
	}
	for _, d := range g.draws() {
		if d < 0 {
			return fmt.Errorf("workflow: grid: %w: %d", rake.ErrInvalidDraw, d)
		}
	}
	return nil
}

// ExpandTasks returns the grid's tasks in deterministic order: causes, then
// scenarios, then measures, then draws, each axis in the order given.
func (g Grid) ExpandTasks() []rake.Task {
	tasks := make([]rake.Task, 0, g.Size())
	for _, c := range g.causes() {
		for _, s := range g.scenarios() {
			for _, m := range g.measures() {
				for _, d := range g.draws() {
					tasks = append(tasks, rake.Task{Cause: c, Scenario: s, Measure: m, Draw: d})
				}
			}
		}
	}
	return tasks
}
