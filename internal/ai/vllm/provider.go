package vllm

import (
	"fmt"

	"github.com/kiranshivaraju/csvforge/internal/ai/langchain"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/tmc/langchaingo/llms/openai"
)

// vLLM does not check the token, but the OpenAI client refuses to start without one.
const placeholderToken = "vllm"

// NewProvider returns a provider for a vLLM server through its OpenAI-compatible API.
func NewProvider(cfg config.VLLMConfig) (*langchain.Provider, error) {
	llm, err := openai.New(
		openai.WithToken(placeholderToken),
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(cfg.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create vllm client: %w", err)
	}
	return langchain.New("vllm", llm), nil
}
