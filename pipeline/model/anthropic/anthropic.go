// Package anthropic provides a ChatModel adapter for Anthropic's Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
)

const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for the Claude messages API.
//
// Anthropic takes the system prompt as a separate request parameter rather
// than as a message, so Chat extracts system messages before the call.
type ChatModel struct {
	modelName string
	client    anthropicClient
}

// anthropicClient is the narrow interface over the API used by ChatModel,
// substitutable in tests.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates a Claude-backed ChatModel. An empty modelName selects
// claude-sonnet-4-20250514.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}
	return &ChatModel{
		modelName: modelName,
		client:    &defaultClient{client: ant.NewClient(option.WithAPIKey(apiKey)), modelName: modelName},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	systemPrompt, conversation := extractSystemPrompt(messages)
	return m.client.createMessage(ctx, systemPrompt, conversation, tools)
}

// extractSystemPrompt separates system messages from the conversation.
// Multiple system messages are concatenated.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		} else {
			conversation = append(conversation, msg)
		}
	}
	return systemPrompt, conversation
}

// defaultClient wraps the official anthropic-sdk-go client.
type defaultClient struct {
	client    ant.Client
	modelName string
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params := ant.MessageNewParams{
		Model:     ant.Model(c.modelName),
		MaxTokens: defaultMaxTokens,
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []ant.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}

	var out model.ChatOut
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case ant.TextBlock:
			out.Text += b.Text
		case ant.ToolUseBlock:
			input := map[string]interface{}{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return model.ChatOut{}, fmt.Errorf("invalid tool input from Claude: %w", err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: b.Name, Input: input})
		}
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return model.ChatOut{}, errors.New("Claude returned an empty response")
	}
	return out, nil
}

func convertMessages(messages []model.Message) []ant.MessageParam {
	out := make([]ant.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == model.RoleAssistant {
			out = append(out, ant.NewAssistantMessage(ant.NewTextBlock(msg.Content)))
		} else {
			out = append(out, ant.NewUserMessage(ant.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []ant.ToolUnionParam {
	out := make([]ant.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tp := ant.ToolParam{Name: t.Name}
		if t.Description != "" {
			tp.Description = ant.String(t.Description)
		}
		if props, ok := t.Schema["properties"]; ok {
			tp.InputSchema = ant.ToolInputSchemaParam{Properties: props}
		}
		out = append(out, ant.ToolUnionParam{OfTool: &tp})
	}
	return out
}
