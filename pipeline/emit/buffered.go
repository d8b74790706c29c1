package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// BufferedEmitter implements Emitter by collecting events in memory, with
// an optional JSONL sink they are flushed to.
//
// Without a sink it is a query buffer: tests and debugging sessions emit
// into it and inspect the history afterwards. With a sink (via
// NewBufferedEmitterWithSink) it doubles as the writer of a per-run
// events.jsonl artifact: events accumulate and are written in batches of
// flushEvery, plus on explicit Flush at the end of the run.
//
// Thread-safe for concurrent use.
//
// Example usage:
//
//	// Query buffer for tests
//	emitter := emit.NewBufferedEmitter()
//	eng := pipeline.New(reducer, st, emitter, opts)
//	_, _ = eng.Run(ctx, "run-001", initial)
//	events := emitter.History("run-001")
//
//	// Per-run events.jsonl artifact
//	f, _ := os.Create(filepath.Join(logDir, "events.jsonl"))
//	defer f.Close()
//	emitter := emit.NewBufferedEmitterWithSink(f, 256)
//	defer emitter.Flush()
type BufferedEmitter struct {
	mu     sync.Mutex
	events map[string][]Event // runID -> events

	sink       io.Writer
	flushEvery int
	pending    []Event
}

// HistoryFilter specifies criteria for filtering buffered history. All
// fields are optional; set fields combine with AND logic.
type HistoryFilter struct {
	Task    string // filter by task key (empty = no filter)
	Stage   string // filter by stage ID (empty = no filter)
	Msg     string // filter by message (empty = no filter)
	MinStep *int   // minimum step number (nil = no filter)
	MaxStep *int   // maximum step number (nil = no filter)
}

// NewBufferedEmitter creates a BufferedEmitter with no sink. Events are
// retained in memory and queryable via History.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// NewBufferedEmitterWithSink creates a BufferedEmitter that also writes
// events as JSONL to sink, flushing every flushEvery events (and on Flush).
// A flushEvery of 0 or less flushes only on explicit Flush.
func NewBufferedEmitterWithSink(sink io.Writer, flushEvery int) *BufferedEmitter {
	return &BufferedEmitter{
		events:     make(map[string][]Event),
		sink:       sink,
		flushEvery: flushEvery,
	}
}

// Emit stores an event in the buffer and, when a sink is configured and the
// pending batch is full, flushes it.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)

	if b.sink != nil {
		b.pending = append(b.pending, event)
		if b.flushEvery > 0 && len(b.pending) >= b.flushEvery {
			b.flushLocked()
		}
	}
}

// Flush writes all pending events to the sink as JSONL. A no-op when no
// sink is configured. Call it before closing the sink file.
func (b *BufferedEmitter) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *BufferedEmitter) flushLocked() error {
	if b.sink == nil || len(b.pending) == 0 {
		return nil
	}
	for _, event := range b.pending {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := fmt.Fprintf(b.sink, "%s\n", data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	b.pending = b.pending[:0]
	return nil
}

// History retrieves all events for a runID in emission order. Returns a
// copy; the internal buffer is never exposed.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter retrieves events for a runID matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, event := range b.events[runID] {
		if filter.Task != "" && event.Task != filter.Task {
			continue
		}
		if filter.Stage != "" && event.Stage != filter.Stage {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if filter.MinStep != nil && event.Step < *filter.MinStep {
			continue
		}
		if filter.MaxStep != nil && event.Step > *filter.MaxStep {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Clear removes buffered events for a runID. Pass "" to clear everything.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
