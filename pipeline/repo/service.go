package repo

import (
	"fmt"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/model/anthropic"
	"github.com/chatgraph/chatgraph-go/pipeline/model/google"
	"github.com/chatgraph/chatgraph-go/pipeline/model/openai"
)

// newChatService constructs a chat service for a provider record.
//
// Shared by the production adapters so GetChatService captures both the
// provider fetch and the service construction behind one port call. The
// closed switch mirrors the node-kind factory: adding a provider kind is a
// single arm here.
func newChatService(p Provider) (model.ChatModel, error) {
	switch p.Kind {
	case "openai":
		return openai.NewChatModel(p.APIKey, p.Model), nil
	case "anthropic":
		return anthropic.NewChatModel(p.APIKey, p.Model), nil
	case "google":
		return google.NewChatModel(p.APIKey, p.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}
