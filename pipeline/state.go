package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// Output is the result one node wrote during the run. Text carries the
// user-visible portion; Data carries any structured extras.
type Output struct {
	Text string                 `json:"text"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// State is the mutable record threaded through graph execution.
//
// It is created fresh per invocation and discarded after the run. Nodes
// never persist through it directly; all durable side effects go through
// the repository.
type State struct {
	// Input is the inbound user message that triggered this run. The
	// start node copies it into Messages.
	Input string `json:"input"`

	// Messages is the conversation as seen by model calls, append-only
	// during one run.
	Messages []model.Message `json:"messages"`

	// Outputs maps node id to that node's last written output. Within one
	// traversal each slot is written by exactly one node.
	Outputs map[string]Output `json:"outputs"`

	// Temp is scratch key/value space for script nodes, never persisted.
	Temp map[string]string `json:"temp,omitempty"`

	// Session is the opaque handle to the conversation session. Nodes
	// only read it and hand its identifiers to the repository.
	Session repo.SessionRef `json:"session"`
}

// NewState creates a run state for one inbound message.
func NewState(input string, session repo.SessionRef) *State {
	return &State{
		Input:    input,
		Outputs:  make(map[string]Output),
		Temp:     make(map[string]string),
		Session:  session,
		Messages: []model.Message{},
	}
}

// Clone returns a deep copy via JSON round-trip, so parallel branches can
// run on isolated snapshots.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if copied.Outputs == nil {
		copied.Outputs = make(map[string]Output)
	}
	if copied.Temp == nil {
		copied.Temp = make(map[string]string)
	}
	return &copied, nil
}

// LastUserMessage returns the newest user message, falling back to the
// run's inbound input when none has been appended yet.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == model.RoleUser {
			return s.Messages[i].Content
		}
	}
	return s.Input
}

// LastAssistantMessage returns the newest assistant message, or "".
func (s *State) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == model.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}
