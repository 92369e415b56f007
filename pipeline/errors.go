// Package pipeline compiles declarative node/edge graphs into runnable
// conversational pipelines and drives a single message through them.
package pipeline

import "errors"

// ErrMaxStepsExceeded indicates that execution reached the configured step
// limit without finishing. This guards against runaway traversals.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// BuildError reports a node or graph configuration that cannot be
// satisfied: a dangling edge, an unresolved resource reference, ambiguous
// routing, a missing required upstream output. Build errors are fatal to
// the current run and never retried.
type BuildError struct {
	// NodeID identifies the misconfigured node. Empty for graph-level
	// problems.
	NodeID string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// NodeError reports a runtime failure inside a node's own execution, as
// opposed to a configuration problem.
type NodeError struct {
	// NodeID identifies which node failed.
	NodeID string

	// Kind is the node's kind string.
	Kind string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return "node " + e.NodeID + " (" + e.Kind + "): " + e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
