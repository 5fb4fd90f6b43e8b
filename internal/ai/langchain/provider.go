// Package langchain adapts any langchaingo chat model to models.AIProvider.
package langchain

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/tmc/langchaingo/llms"
)

const temperature = 0.1

// Provider wraps a langchaingo model. It is safe for concurrent use when the
// underlying model is.
type Provider struct {
	name  string
	model llms.Model
}

var _ models.AIProvider = (*Provider)(nil)

func New(name string, model llms.Model) *Provider {
	return &Provider{name: name, model: model}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	msgs := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := p.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Content, nil
}
