package emit

// NullEmitter implements Emitter by discarding all events.
//
// Used as the default when no emitter is configured, and in tests that
// do not care about event capture.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter. Safe for concurrent use.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
