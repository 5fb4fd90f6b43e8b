package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Feedback issue types passed from one cycle to the next.
const (
	IssuePlanningError      = "planning_error"
	IssueGenerationError    = "generation_error"
	IssueExecutionError     = "execution_error"
	IssueValidationMismatch = "validation_mismatch"
	IssueTesterFailure      = "tester_failure"
)

// Feedback is a structured diagnostic derived from a failed or mismatched cycle.
type Feedback struct {
	IssueType    string `json:"issue_type"`
	Suggestion   string `json:"suggestion"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// PhaseSummary records how one phase of an attempt ended.
type PhaseSummary struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Attempt is the full record of one cycle, fed back to the Planner as context.
type Attempt struct {
	Cycle   int           `json:"cycle"`
	Planner *PhaseSummary `json:"planner,omitempty"`
	Coder   *PhaseSummary `json:"coder,omitempty"`
	Tester  *PhaseSummary `json:"tester,omitempty"`
}

// ColumnSummary describes one column of a tabular file.
type ColumnSummary struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	NullCount  int64    `json:"null_count"`
	SampleVals []string `json:"sample_values,omitempty"`
}

// DataSummary is the structural description of an input or expected output file.
type DataSummary struct {
	Ref        string              `json:"ref"`
	RowCount   int64               `json:"row_count"`
	Columns    []ColumnSummary     `json:"columns"`
	SampleRows []map[string]string `json:"sample_rows,omitempty"`
}

// Plan is the Planner's transformation plan.
type Plan struct {
	Steps             []string `json:"steps"`
	RequiredColumns   []string `json:"required_columns"`
	OptionalColumns   []string `json:"optional_columns"`
	RequiredLibraries []string `json:"required_libraries,omitempty"`
}

// PlanRequest is the Planner's input.
type PlanRequest struct {
	JobID            uuid.UUID
	Input            DataSummary
	ExpectedOutput   DataSummary
	Instructions     Instructions
	PreviousAttempts []Attempt
	Feedback         []Feedback
}

// PlanResult is the Planner's output.
type PlanResult struct {
	Success bool
	Plan    Plan
	Error   string
}

// Artifact is a generated transformation program.
type Artifact struct {
	Language string
	Content  string
}

// CodeRequest is the Coder's input.
type CodeRequest struct {
	JobID             uuid.UUID
	ClientID          string
	Plan              Plan
	InputRef          string
	RequiredLibraries []string
	Instructions      Instructions
	Feedback          []Feedback
}

// CodeResult is the Coder's output.
type CodeResult struct {
	Success  bool
	Artifact Artifact
	Error    string
}

// ComparisonResult describes how an artifact's output differs from the expected output.
type ComparisonResult struct {
	Match            bool       `json:"match"`
	MissingColumns   []string   `json:"missing_columns,omitempty"`
	ExtraColumns     []string   `json:"extra_columns,omitempty"`
	ActualRows       int64      `json:"actual_rows"`
	ExpectedRows     int64      `json:"expected_rows"`
	MismatchedRows   int64      `json:"mismatched_rows"`
	Suggestions      []string   `json:"suggestions,omitempty"`
	FeedbackForCoder []Feedback `json:"feedback_for_coder,omitempty"`
}

// Clone returns a deep copy of c.
func (c *ComparisonResult) Clone() *ComparisonResult {
	if c == nil {
		return nil
	}
	out := *c
	out.MissingColumns = append([]string(nil), c.MissingColumns...)
	out.ExtraColumns = append([]string(nil), c.ExtraColumns...)
	out.Suggestions = append([]string(nil), c.Suggestions...)
	out.FeedbackForCoder = append([]Feedback(nil), c.FeedbackForCoder...)
	return &out
}

// TestRequest is the Tester's input.
type TestRequest struct {
	JobID             uuid.UUID
	ClientID          string
	ArtifactRef       string
	InputRef          string
	ExpectedOutputRef string
}

// TestResult is the Tester's output. Success is false when the artifact could not be run.
type TestResult struct {
	Success          bool
	TestPassed       bool
	Comparison       *ComparisonResult
	FeedbackForCoder []Feedback
	Error            string
	ExecutionTime    time.Duration
}

// ExecRequest asks an Executor to run an artifact once against an input.
type ExecRequest struct {
	JobID       uuid.UUID
	ClientID    string
	ArtifactRef string
	InputRef    string
}

// ExecResult is the outcome of a successful artifact run.
type ExecResult struct {
	OutputRef string
	Stdout    string
	Duration  time.Duration
}

// Profiler extracts a structural summary from a data file.
type Profiler interface {
	Profile(ctx context.Context, ref string) (DataSummary, error)
}

// Planner produces a transformation plan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// Coder produces a transformation program from a plan.
type Coder interface {
	Generate(ctx context.Context, req CodeRequest) (CodeResult, error)
}

// Tester runs an artifact and validates its output.
type Tester interface {
	Test(ctx context.Context, req TestRequest) (TestResult, error)
}

// Executor runs an artifact against an input and returns where its output landed.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ArtifactWriter persists a generated program and returns its reference.
type ArtifactWriter interface {
	SaveArtifact(ctx context.Context, clientID string, jobID uuid.UUID, a Artifact) (string, error)
}
