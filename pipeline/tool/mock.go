package tool

import (
	"context"
	"sync"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

// MockTool is a test implementation of Tool.
//
// It provides a configurable name and spec, response sequences, call
// history tracking and error injection. Thread-safe.
//
// Example:
//
//	mock := &MockTool{
//	    ToolName: "search_collections",
//	    Responses: []map[string]interface{}{
//	        {"results": []string{"doc1", "doc2"}},
//	    },
//	}
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// Description is reported by Spec().
	Description string

	// Schema is reported by Spec(). May be nil.
	Schema map[string]interface{}

	// Responses contains the sequence of outputs to return. Each call
	// returns the next response; once consumed, the last one repeats.
	Responses []map[string]interface{}

	// Err, if set, is returned by Call() instead of a response.
	Err error

	// Calls tracks every Call() invocation.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call().
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Spec implements Tool.
func (m *MockTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        m.ToolName,
		Description: m.Description,
		Schema:      m.Schema,
	}
}

// Call implements Tool. The call is recorded regardless of outcome.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of recorded calls.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
