package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/csvforge/internal/runner"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// Comparer diffs two CSV files on local disk.
type Comparer interface {
	Compare(ctx context.Context, actualPath, expectedPath string) (*models.ComparisonResult, error)
}

// Resolver maps a file reference to a local path.
type Resolver interface {
	Path(ref string) (string, error)
}

// Tester runs an artifact and checks its output against the expected file.
type Tester struct {
	exec     models.Executor
	compare  Comparer
	resolver Resolver
}

var _ models.Tester = (*Tester)(nil)

func NewTester(exec models.Executor, compare Comparer, resolver Resolver) *Tester {
	return &Tester{exec: exec, compare: compare, resolver: resolver}
}

// Test returns a non-nil error when the artifact could not be run to
// completion. The result is filled in either way.
func (t *Tester) Test(ctx context.Context, req models.TestRequest) (models.TestResult, error) {
	start := time.Now()
	out, err := t.exec.Execute(ctx, models.ExecRequest{
		JobID:       req.JobID,
		ClientID:    req.ClientID,
		ArtifactRef: req.ArtifactRef,
		InputRef:    req.InputRef,
	})
	if err != nil {
		return models.TestResult{
			Error:            err.Error(),
			FeedbackForCoder: fixSuggestions(err),
			ExecutionTime:    time.Since(start),
		}, err
	}

	res := models.TestResult{Success: true, ExecutionTime: out.Duration}
	if req.ExpectedOutputRef == "" {
		res.TestPassed = true
		return res, nil
	}

	actual, err := t.resolver.Path(out.OutputRef)
	if err != nil {
		return models.TestResult{Error: err.Error()}, fmt.Errorf("resolve output: %w", err)
	}
	expected, err := t.resolver.Path(req.ExpectedOutputRef)
	if err != nil {
		return models.TestResult{Error: err.Error()}, fmt.Errorf("resolve expected output: %w", err)
	}

	cmp, err := t.compare.Compare(ctx, actual, expected)
	if err != nil {
		// Output the engine cannot parse is the program's fault, not the tester's.
		res.Comparison = &models.ComparisonResult{
			Suggestions: []string{"Write a well-formed CSV file with a header row: " + err.Error()},
		}
		return res, nil
	}
	res.Comparison = cmp
	res.TestPassed = cmp.Match
	return res, nil
}

// fixSuggestions turns common run failures into concrete advice.
func fixSuggestions(err error) []models.Feedback {
	var hints []string
	if errors.Is(err, runner.ErrTimeout) {
		hints = append(hints, "Avoid row-by-row loops; use vectorised pandas operations so the script finishes in time")
	}
	if errors.Is(err, ErrNoOutput) {
		hints = append(hints, "Write the result to the path given by --save-csv")
	}

	var exit *runner.ExitError
	if errors.As(err, &exit) {
		stderr := exit.Stderr
		switch {
		case strings.Contains(stderr, "ModuleNotFoundError"), strings.Contains(stderr, "No module named"):
			hints = append(hints, "Declare every imported package in the script's dependency block")
		case strings.Contains(stderr, "KeyError"):
			hints = append(hints, "Check column names against the input header before indexing")
		case strings.Contains(stderr, "UnicodeDecodeError"):
			hints = append(hints, "Open the input with an explicit encoding such as utf-8-sig")
		case strings.Contains(stderr, "ParserError"), strings.Contains(stderr, "Error tokenizing data"):
			hints = append(hints, "Read the input with on_bad_lines='skip' or an explicit delimiter")
		case strings.Contains(stderr, "SyntaxError"), strings.Contains(stderr, "IndentationError"):
			hints = append(hints, "Return syntactically valid Python")
		}
	}

	out := make([]models.Feedback, 0, len(hints))
	for _, h := range hints {
		out = append(out, models.Feedback{IssueType: models.IssueExecutionError, Suggestion: h})
	}
	return out
}
