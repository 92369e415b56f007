// Package model provides the chat-model abstraction used by pipeline nodes.
package model

import "context"

// ChatModel is the interface response-generation nodes call to invoke an LLM.
//
// It abstracts the differences between providers (OpenAI, Anthropic, Google,
// mocks) behind a single chat-shaped API. Implementations should:
//   - handle provider-specific authentication and message formats
//   - respect context cancellation and timeouts
//   - own their retry policy; the engine never retries model calls
type ChatModel interface {
	// Chat sends the conversation to the model and returns its response.
	// tools may be nil when no tool binding is wanted. The model may answer
	// with text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single message in an LLM conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content is the message text. May be empty for tool-call-only turns.
	Content string
}

// Standard role constants, aligned with the conventions of the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the model may call. Schema follows JSON Schema
// and describes the expected input parameters; it is optional for tools
// without parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is the model's response: generated text, requested tool calls, or
// both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a request from the model to invoke a named tool with the
// given input. Input structure matches the corresponding ToolSpec.Schema.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
