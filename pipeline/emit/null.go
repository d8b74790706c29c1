package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it when observability output is not wanted: benchmarks, tests that
// assert on something else, or runs where only the final summary matters.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that discards all events. Safe for
// concurrent use and free of overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
