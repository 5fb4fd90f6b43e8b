package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxCycles bounds the Plan, Code, Test loop of a training job.
const MaxCycles = 5

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusInitializing JobStatus = "initializing"
	JobStatusUploading    JobStatus = "uploading"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusPlanning     JobStatus = "planning"
	JobStatusCoding       JobStatus = "coding"
	JobStatusTesting      JobStatus = "testing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
)

var validStatuses = map[JobStatus]bool{
	JobStatusPending:      true,
	JobStatusInitializing: true,
	JobStatusUploading:    true,
	JobStatusProcessing:   true,
	JobStatusPlanning:     true,
	JobStatusCoding:       true,
	JobStatusTesting:      true,
	JobStatusCompleted:    true,
	JobStatusFailed:       true,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool { return validStatuses[s] }

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobMode selects between the full training loop and a single inference run.
type JobMode string

const (
	ModeTraining  JobMode = "training"
	ModeInference JobMode = "inference"
)

// Valid reports whether m is a known mode.
func (m JobMode) Valid() bool { return m == ModeTraining || m == ModeInference }

// Instructions carries the client's description of the transformation.
type Instructions struct {
	Description string            `json:"description,omitempty"`
	General     string            `json:"general,omitempty"`
	Columns     map[string]string `json:"columns,omitempty"`
}

// AgentResult is one entry of a job's append-only phase audit log.
type AgentResult struct {
	Phase         string    `json:"phase_name"`
	Success       bool      `json:"success"`
	OutputSummary string    `json:"output_summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// TestResults is stored on a job when its artifact passes validation.
type TestResults struct {
	TestPassed      bool              `json:"test_passed"`
	Comparison      *ComparisonResult `json:"comparison,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
}

// Job is one end-to-end conversion request. Clients poll it until the status is terminal.
type Job struct {
	ID                 uuid.UUID      `db:"id"                   json:"id"`
	ClientID           string         `db:"client_id"            json:"client_id"`
	Mode               JobMode        `db:"mode"                 json:"mode"`
	Status             JobStatus      `db:"status"               json:"status"`
	InputRef           string         `db:"input_ref"            json:"input_ref"`
	ExpectedOutputRef  *string        `db:"expected_output_ref"  json:"expected_output_ref,omitempty"`
	Instructions       Instructions   `db:"instructions"         json:"instructions"`
	CurrentStep        *string        `db:"current_step"         json:"current_step,omitempty"`
	ProgressDetails    map[string]any `db:"progress_details"     json:"progress_details"`
	Cycle              int            `db:"cycle"                json:"cycle"`
	AgentResults       []AgentResult  `db:"agent_results"        json:"agent_results"`
	ArtifactRef        *string        `db:"artifact_ref"         json:"artifact_ref,omitempty"`
	TestResults        *TestResults   `db:"test_results"         json:"test_results,omitempty"`
	InferenceOutputRef *string        `db:"inference_output_ref" json:"inference_output_ref,omitempty"`
	ErrorMessage       *string        `db:"error_message"        json:"error_message,omitempty"`
	CreatedAt          time.Time      `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"           json:"updated_at"`
	CompletedAt        *time.Time     `db:"completed_at"         json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ExpectedOutputRef = clonePtr(j.ExpectedOutputRef)
	c.CurrentStep = clonePtr(j.CurrentStep)
	c.ArtifactRef = clonePtr(j.ArtifactRef)
	c.InferenceOutputRef = clonePtr(j.InferenceOutputRef)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.CompletedAt = clonePtr(j.CompletedAt)

	if j.Instructions.Columns != nil {
		c.Instructions.Columns = make(map[string]string, len(j.Instructions.Columns))
		for k, v := range j.Instructions.Columns {
			c.Instructions.Columns[k] = v
		}
	}
	if j.ProgressDetails != nil {
		c.ProgressDetails = make(map[string]any, len(j.ProgressDetails))
		for k, v := range j.ProgressDetails {
			c.ProgressDetails[k] = v
		}
	}
	if j.AgentResults != nil {
		c.AgentResults = append([]AgentResult(nil), j.AgentResults...)
	}
	if j.TestResults != nil {
		tr := *j.TestResults
		if tr.Comparison != nil {
			tr.Comparison = tr.Comparison.Clone()
		}
		c.TestResults = &tr
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
