package emit

// Event represents an observability event emitted during pipeline execution.
//
// Events cover the pipeline lifecycle:
//   - pipeline_start / pipeline_complete / pipeline_error
//   - pipeline_abort / pipeline_suspend and their result events
//   - node_start / node_end / node_error
//
// Events flow to an Emitter which can log them, export spans, or buffer
// them for inspection.
type Event struct {
	// RunID identifies the pipeline execution that emitted this event.
	RunID string

	// Step is the sequential step number in the execution (1-indexed).
	// Zero for pipeline-level events.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for pipeline-level events.
	NodeID string

	// Msg is a short event name, e.g. "node_start".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "node_kind": the node's kind string
	//   - "route": the handle chosen by a router node
	//   - "tag": abort tag
	Meta map[string]interface{}
}
