package llm

import (
	"fmt"
	"time"

	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Provider names accepted by New.
const (
	ProviderOpenAI          = "openai"
	ProviderLangChainOpenAI = "langchain-openai"
	ProviderOllama          = "ollama"
)

// Config selects and configures a backend.
type Config struct {
	Provider        string
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	ReasoningEffort string
	// DefaultModel is used by backends that need a model at construction time.
	DefaultModel string
}

// New creates the backend named by cfg.Provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			Timeout:         cfg.Timeout,
			ReasoningEffort: cfg.ReasoningEffort,
		})

	case ProviderLangChainOpenAI:
		opts := []lcopenai.Option{lcopenai.WithToken(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.DefaultModel != "" {
			opts = append(opts, lcopenai.WithModel(cfg.DefaultModel))
		}
		model, err := lcopenai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("langchain openai: %w", err)
		}
		return NewLangChainClient(model), nil

	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.DefaultModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		return NewLangChainClient(model), nil

	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
