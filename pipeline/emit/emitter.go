package emit

// Emitter receives observability events from pipeline execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down pipeline execution
//   - Thread-safe: may be called concurrently from parallel branches
//   - Resilient: never panic; log internal failures instead
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	// Emit should not block and should not panic.
	Emit(event Event)
}
