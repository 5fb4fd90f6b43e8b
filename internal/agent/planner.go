package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

const plannerMaxTokens = 2048

var planSchemaLoader = gojsonschema.NewStringLoader(planSchema)

// Planner asks the language model for a transformation plan and validates
// the reply against the plan schema.
type Planner struct {
	provider models.AIProvider
}

var _ models.Planner = (*Planner)(nil)

func NewPlanner(provider models.AIProvider) *Planner {
	return &Planner{provider: provider}
}

// Plan returns an unsuccessful result for model or validation failures and an
// error only when ctx is done.
func (p *Planner) Plan(ctx context.Context, req models.PlanRequest) (models.PlanResult, error) {
	prompt := render("planner-user", map[string]string{
		"Input":        formatSummary(req.Input),
		"Expected":     formatSummary(req.ExpectedOutput),
		"Instructions": formatInstructions(req.Instructions),
		"Attempts":     formatAttempts(req.PreviousAttempts),
		"Feedback":     formatFeedback(req.Feedback),
	})

	reply, err := p.provider.Complete(ctx, models.CompletionRequest{
		System:    prompts["planner-system"],
		Prompt:    prompt,
		JSON:      true,
		MaxTokens: plannerMaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.PlanResult{}, ctx.Err()
		}
		return models.PlanResult{Error: err.Error()}, nil
	}

	plan, err := parsePlan(reply)
	if err != nil {
		slog.Warn("planner returned an unusable plan", "job_id", req.JobID, "error", err)
		return models.PlanResult{Error: err.Error()}, nil
	}
	if len(plan.RequiredLibraries) == 0 {
		plan.RequiredLibraries = []string{"pandas"}
	}
	return models.PlanResult{Success: true, Plan: plan}, nil
}

func parsePlan(reply string) (models.Plan, error) {
	doc := cleanJSONBlock(reply)

	result, err := gojsonschema.Validate(planSchemaLoader, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return models.Plan{}, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			field := e.Field()
			if field == "" {
				field = "(root)"
			}
			msgs = append(msgs, field+": "+e.Description())
		}
		return models.Plan{}, fmt.Errorf("plan does not match schema: %s", strings.Join(msgs, "; "))
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(doc), &plan); err != nil {
		return models.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}
