package anthropic

import (
	"fmt"

	"github.com/kiranshivaraju/csvforge/internal/ai/langchain"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/tmc/langchaingo/llms/anthropic"
)

func NewProvider(cfg config.AnthropicConfig) (*langchain.Provider, error) {
	llm, err := anthropic.New(
		anthropic.WithToken(cfg.APIKey),
		anthropic.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return langchain.New("anthropic", llm), nil
}
