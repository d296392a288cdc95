package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
)

// LangChainClient adapts any langchaingo model.
type LangChainClient struct {
	model llms.Model
}

// NewLangChainClient wraps model.
func NewLangChainClient(model llms.Model) *LangChainClient {
	return &LangChainClient{model: model}
}

// Generate sends the conversation through GenerateContent.
func (c *LangChainClient) Generate(ctx context.Context, req Request) (string, error) {
	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		content = append(content, llms.MessageContent{
			Role:  chatMessageType(m.Role),
			Parts: []llms.ContentPart{llms.TextContent{Text: m.Content}},
		})
	}

	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}

	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func chatMessageType(r prompt.Role) llms.ChatMessageType {
	switch r {
	case prompt.RoleSystem:
		return llms.ChatMessageTypeSystem
	case prompt.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
