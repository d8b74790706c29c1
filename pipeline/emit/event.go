// Package emit provides observability events and pluggable emitters for
// raking runs.
package emit

// Event is an observability event emitted during run execution.
//
// Events cover run and task lifecycle (run.start, task.done, task.failed),
// stage completion inside a task pipeline, checkpoints, and retries. They
// are the in-process analog of a cluster scheduler's per-job log streams.
//
// Emitters can log them, span them into a trace, buffer them into a per-run
// events.jsonl artifact, or discard them.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string `json:"run_id"`

	// Task identifies the raking task (cause/scenario/measure/draw key).
	// Empty for run-level events.
	Task string `json:"task,omitempty"`

	// Stage identifies the pipeline stage within a task.
	// Empty for task-level and run-level events.
	Stage string `json:"stage,omitempty"`

	// Step is the sequential step number in the task pipeline (1-indexed).
	// Zero for task-level and run-level events.
	Step int `json:"step,omitempty"`

	// Msg is a short event name, e.g. "stage completed", "task.done".
	Msg string `json:"msg"`

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "cells_raked": cells scaled in a task
	//   - "checkpoint_id": checkpoint identifier
	//   - "attempt": retry attempt number
	Meta map[string]interface{} `json:"meta,omitempty"`
}
