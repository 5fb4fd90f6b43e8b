package ollama

import (
	"fmt"

	"github.com/kiranshivaraju/csvforge/internal/ai/langchain"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/tmc/langchaingo/llms/ollama"
)

func NewProvider(cfg config.OllamaConfig) (*langchain.Provider, error) {
	llm, err := ollama.New(
		ollama.WithModel(cfg.Model),
		ollama.WithServerURL(cfg.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return langchain.New("ollama", llm), nil
}
