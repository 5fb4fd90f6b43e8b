package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/kiranshivaraju/csvforge/pkg/models"
)

const coderMaxTokens = 8192

var errNoCode = errors.New("model reply contained no program")

// Coder turns a plan into a self-contained Python program.
type Coder struct {
	provider models.AIProvider
}

var _ models.Coder = (*Coder)(nil)

func NewCoder(provider models.AIProvider) *Coder {
	return &Coder{provider: provider}
}

func (c *Coder) Generate(ctx context.Context, req models.CodeRequest) (models.CodeResult, error) {
	libs := req.RequiredLibraries
	if len(libs) == 0 {
		libs = req.Plan.RequiredLibraries
	}

	prompt := render("coder-user", map[string]string{
		"Plan":         formatPlan(req.Plan),
		"InputRef":     req.InputRef,
		"Libraries":    strings.Join(libs, ", "),
		"Instructions": formatInstructions(req.Instructions),
		"Feedback":     formatFeedback(req.Feedback),
	})

	reply, err := c.provider.Complete(ctx, models.CompletionRequest{
		System:    prompts["coder-system"],
		Prompt:    prompt,
		MaxTokens: coderMaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.CodeResult{}, ctx.Err()
		}
		return models.CodeResult{Error: err.Error()}, nil
	}

	code := extractCode(reply)
	if code == "" {
		return models.CodeResult{Error: errNoCode.Error()}, nil
	}
	return models.CodeResult{
		Success:  true,
		Artifact: models.Artifact{Language: "python", Content: ensureScriptHeader(code, libs)},
	}, nil
}
