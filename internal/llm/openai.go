package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// ReasoningEffort is forwarded as the "reasoning" request extension when
	// non-empty. OpenRouter understands it; other servers ignore it.
	ReasoningEffort string
}

// OpenAIClient talks to any server speaking the OpenAI chat completions API.
type OpenAIClient struct {
	client          openai.Client
	reasoningEffort string
}

// NewOpenAIClient creates a client. The SDK's own retries are disabled.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIClient{
		client:          openai.NewClient(opts...),
		reasoningEffort: cfg.ReasoningEffort,
	}, nil
}

// Generate sends one chat completion request.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case prompt.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case prompt.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	var reqOpts []option.RequestOption
	if req.JSON {
		reqOpts = append(reqOpts, option.WithJSONSet("response_format", map[string]string{"type": "json_object"}))
	}
	if c.reasoningEffort != "" {
		reqOpts = append(reqOpts, option.WithJSONSet("reasoning", map[string]any{
			"effort":  c.reasoningEffort,
			"enabled": true,
		}))
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
	}, reqOpts...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
