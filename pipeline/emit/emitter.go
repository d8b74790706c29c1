package emit

// Emitter receives and processes observability events from run execution.
//
// Emitters enable pluggable observability backends: logging, distributed
// tracing, buffered JSONL artifacts, or nothing at all.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down task execution
//   - Thread-safe: called concurrently from multiple workers
//   - Resilient: a failing backend must not fail the run
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	// Emit must not panic; errors are handled internally.
	Emit(event Event)
}

// MultiEmitter fans out every event to a list of emitters in order. A run
// commonly pairs a log emitter with a buffered JSONL emitter.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that forwards to all given emitters.
// Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the event to every configured emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
