package openai

import (
	"fmt"

	"github.com/kiranshivaraju/csvforge/internal/ai/langchain"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewProvider returns an OpenAI chat provider. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewProvider(cfg config.OpenAIConfig) (*langchain.Provider, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return langchain.New("openai", llm), nil
}
