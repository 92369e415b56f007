package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Flow-control signals are control conditions, not failures. They travel
// through the error return of Node.Process and are detected with
// errors.As at node boundaries. The executor never logs them as errors
// and never retries them.

// AbortSignal stops the whole traversal immediately. No further nodes
// execute on any branch; the run result carries Message and Tag verbatim.
type AbortSignal struct {
	// Message is the final user-visible text to return.
	Message string

	// Tag optionally classifies the abort for the caller, e.g. "policy".
	Tag string
}

// Error implements the error interface.
func (s *AbortSignal) Error() string {
	if s.Tag != "" {
		return fmt.Sprintf("run aborted (%s): %s", s.Tag, s.Message)
	}
	return "run aborted: " + s.Message
}

// SuspendSignal ends the run at its current state without failing it.
// The caller re-invokes the pipeline with the same session when the next
// user message arrives; the graph is never kept paused in memory.
type SuspendSignal struct{}

// Error implements the error interface.
func (s *SuspendSignal) Error() string {
	return "run suspended until next input"
}

// RequireOutputs declares a hard dependency on named upstream nodes
// having produced output. The executor converts an unmet requirement
// into a BuildError and fails fast rather than proceeding with partial
// state.
type RequireOutputs struct {
	NodeIDs []string
}

// Error implements the error interface.
func (s *RequireOutputs) Error() string {
	return "required upstream outputs missing: " + strings.Join(s.NodeIDs, ", ")
}

// isFlowControl reports whether err is one of the three signals.
func isFlowControl(err error) bool {
	var abort *AbortSignal
	var suspend *SuspendSignal
	var require *RequireOutputs
	return errors.As(err, &abort) || errors.As(err, &suspend) || errors.As(err, &require)
}
