// Package agent implements the Planner, Coder, Tester and Executor that the
// workflow drives through each cycle.
package agent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kiranshivaraju/csvforge/pkg/models"
)

//go:embed prompts.json
var promptsJSON []byte

//go:embed plan.schema.json
var planSchema string

var prompts = mustLoadPrompts()

func mustLoadPrompts() map[string]string {
	var p map[string]string
	if err := json.Unmarshal(promptsJSON, &p); err != nil {
		panic(fmt.Sprintf("parse prompts.json: %v", err))
	}
	return p
}

// render replaces {{.Key}} placeholders in the named prompt.
func render(name string, data map[string]string) string {
	out := prompts[name]
	for k, v := range data {
		out = strings.ReplaceAll(out, "{{."+k+"}}", v)
	}
	return out
}

const none = "(none)"

func formatSummary(s models.DataSummary) string {
	if len(s.Columns) == 0 {
		return none
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d rows, %d columns\n", s.RowCount, len(s.Columns))
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "- %s (%s, %d empty)", c.Name, c.Type, c.NullCount)
		if len(c.SampleVals) > 0 {
			fmt.Fprintf(&b, " e.g. %s", quoteAll(c.SampleVals))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatInstructions(in models.Instructions) string {
	var b strings.Builder
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	if in.General != "" {
		fmt.Fprintf(&b, "General: %s\n", in.General)
	}
	if len(in.Columns) > 0 {
		cols := make([]string, 0, len(in.Columns))
		for c := range in.Columns {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		b.WriteString("Columns:\n")
		for _, c := range cols {
			fmt.Fprintf(&b, "- %s: %s\n", c, in.Columns[c])
		}
	}
	if b.Len() == 0 {
		return none
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFeedback(fb []models.Feedback) string {
	if len(fb) == 0 {
		return none
	}
	var b strings.Builder
	for _, f := range fb {
		fmt.Fprintf(&b, "- [%s] %s", f.IssueType, f.Suggestion)
		if f.ErrorDetails != "" && !strings.Contains(f.Suggestion, f.ErrorDetails) {
			fmt.Fprintf(&b, " (%s)", f.ErrorDetails)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAttempts(attempts []models.Attempt) string {
	if len(attempts) == 0 {
		return none
	}
	var b strings.Builder
	for _, a := range attempts {
		fmt.Fprintf(&b, "Cycle %d: planner %s, coder %s, tester %s\n",
			a.Cycle, phaseState(a.Planner), phaseState(a.Coder), phaseState(a.Tester))
	}
	return strings.TrimRight(b.String(), "\n")
}

func phaseState(p *models.PhaseSummary) string {
	switch {
	case p == nil:
		return "skipped"
	case p.Success && p.Output != "":
		return "ok (" + p.Output + ")"
	case p.Success:
		return "ok"
	case p.Error != "":
		return "failed (" + p.Error + ")"
	default:
		return "failed"
	}
}

func formatPlan(p models.Plan) string {
	var b strings.Builder
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	if len(p.RequiredColumns) > 0 {
		fmt.Fprintf(&b, "Required output columns: %s\n", strings.Join(p.RequiredColumns, ", "))
	}
	if len(p.OptionalColumns) > 0 {
		fmt.Fprintf(&b, "Optional output columns: %s\n", strings.Join(p.OptionalColumns, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func quoteAll(vals []string) string {
	q := make([]string, len(vals))
	for i, v := range vals {
		q[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(q, ", ")
}
