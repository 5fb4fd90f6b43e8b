package ai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/csvforge/internal/ai/anthropic"
	"github.com/kiranshivaraju/csvforge/internal/ai/gemini"
	"github.com/kiranshivaraju/csvforge/internal/ai/ollama"
	"github.com/kiranshivaraju/csvforge/internal/ai/openai"
	"github.com/kiranshivaraju/csvforge/internal/ai/vllm"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup. The result is not throttled; wrap it with
// NewThrottled before handing it to the agents.
func NewProvider(ctx context.Context, cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		p, err := ollama.NewProvider(cfg.Ollama)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "vllm":
		p, err := vllm.NewProvider(cfg.VLLM)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := openai.NewProvider(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "anthropic":
		p, err := anthropic.NewProvider(cfg.Anthropic)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "gemini":
		p, err := gemini.NewProvider(ctx, cfg.Gemini)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic, gemini", cfg.Provider)
	}
}
