package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/runner"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/internal/store/storetest"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- function adapters for the collaborator interfaces ---

type planFunc func(context.Context, models.PlanRequest) (models.PlanResult, error)

func (f planFunc) Plan(ctx context.Context, req models.PlanRequest) (models.PlanResult, error) {
	return f(ctx, req)
}

type codeFunc func(context.Context, models.CodeRequest) (models.CodeResult, error)

func (f codeFunc) Generate(ctx context.Context, req models.CodeRequest) (models.CodeResult, error) {
	return f(ctx, req)
}

type testFunc func(context.Context, models.TestRequest) (models.TestResult, error)

func (f testFunc) Test(ctx context.Context, req models.TestRequest) (models.TestResult, error) {
	return f(ctx, req)
}

type execFunc func(context.Context, models.ExecRequest) (models.ExecResult, error)

func (f execFunc) Execute(ctx context.Context, req models.ExecRequest) (models.ExecResult, error) {
	return f(ctx, req)
}

type profileFunc func(context.Context, string) (models.DataSummary, error)

func (f profileFunc) Profile(ctx context.Context, ref string) (models.DataSummary, error) {
	return f(ctx, ref)
}

type artifactFunc func(context.Context, string, uuid.UUID, models.Artifact) (string, error)

func (f artifactFunc) SaveArtifact(ctx context.Context, clientID string, jobID uuid.UUID, a models.Artifact) (string, error) {
	return f(ctx, clientID, jobID, a)
}

// --- fixtures ---

type harness struct {
	store    *storetest.Memory
	plans    []models.PlanRequest
	codes    []models.CodeRequest
	tests    []models.TestRequest
	agents   Agents
	testerFn func(n int) (models.TestResult, error)
}

func newHarness() *harness {
	h := &harness{store: storetest.New()}
	h.agents = Agents{
		Profiler: profileFunc(func(_ context.Context, ref string) (models.DataSummary, error) {
			return models.DataSummary{Ref: ref, RowCount: 2, Columns: []models.ColumnSummary{{Name: "date", Type: "VARCHAR"}}}, nil
		}),
		Planner: planFunc(func(_ context.Context, req models.PlanRequest) (models.PlanResult, error) {
			h.plans = append(h.plans, req)
			return models.PlanResult{Success: true, Plan: models.Plan{Steps: []string{"normalise dates"}, RequiredLibraries: []string{"pandas"}}}, nil
		}),
		Coder: codeFunc(func(_ context.Context, req models.CodeRequest) (models.CodeResult, error) {
			h.codes = append(h.codes, req)
			return models.CodeResult{Success: true, Artifact: models.Artifact{Language: "python", Content: "print(1)\n"}}, nil
		}),
		Tester: testFunc(func(_ context.Context, req models.TestRequest) (models.TestResult, error) {
			h.tests = append(h.tests, req)
			if h.testerFn != nil {
				return h.testerFn(len(h.tests))
			}
			return passed(), nil
		}),
		Artifacts: artifactFunc(func(_ context.Context, clientID string, jobID uuid.UUID, _ models.Artifact) (string, error) {
			return "file:///data/artifacts/" + clientID + "/" + jobID.String() + "/transform.py", nil
		}),
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.store, h.agents)
}

func (h *harness) trainingJob(t *testing.T) *models.Job {
	t.Helper()
	expected := "file:///data/uploads/acme/expected.csv"
	job := &models.Job{
		ClientID:          "acme",
		Mode:              models.ModeTraining,
		Status:            models.JobStatusPending,
		InputRef:          "file:///data/uploads/acme/input.csv",
		ExpectedOutputRef: &expected,
		Instructions:      models.Instructions{Description: "normalise dates"},
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func passed() models.TestResult {
	return models.TestResult{Success: true, TestPassed: true, Comparison: &models.ComparisonResult{Match: true}}
}

func mismatched(suggestions ...string) models.TestResult {
	return models.TestResult{
		Success:    true,
		TestPassed: false,
		Comparison: &models.ComparisonResult{Suggestions: suggestions},
	}
}

func countPhase(results []models.AgentResult, phase string) int {
	n := 0
	for _, r := range results {
		if r.Phase == phase {
			n++
		}
	}
	return n
}

func assertTerminalInvariants(t *testing.T, job *models.Job) {
	t.Helper()
	assert.True(t, job.Status.IsTerminal())
	assert.NotNil(t, job.CompletedAt)
	assert.LessOrEqual(t, job.Cycle, models.MaxCycles)
}

// --- training ---

func TestTraining_CompletesOnFirstCycle(t *testing.T) {
	h := newHarness()
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assertTerminalInvariants(t, got)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Cycle)
	assert.Equal(t, "Completed", *got.CurrentStep)
	assert.Equal(t, "All phases completed successfully", got.ProgressDetails["summary"])
	require.Len(t, got.AgentResults, 3)
	assert.Equal(t, []string{PhasePlanner, PhaseCoder, PhaseTester},
		[]string{got.AgentResults[0].Phase, got.AgentResults[1].Phase, got.AgentResults[2].Phase})
	assert.Equal(t, "Generated 9 character script", got.AgentResults[1].OutputSummary)
	assert.Equal(t, "Test passed", got.AgentResults[2].OutputSummary)
	require.NotNil(t, got.ArtifactRef)
	require.NotNil(t, got.TestResults)
	assert.True(t, got.TestResults.TestPassed)

	assert.Equal(t, []models.JobStatus{
		models.JobStatusProcessing, models.JobStatusProcessing,
		models.JobStatusPlanning, models.JobStatusCoding, models.JobStatusTesting,
		models.JobStatusCompleted,
	}, h.store.StatusHistory(job.ID))
}

func TestTraining_FailsAfterMaxCycles(t *testing.T) {
	h := newHarness()
	h.testerFn = func(int) (models.TestResult, error) { return mismatched("rename column X"), nil }
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assertTerminalInvariants(t, got)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.MaxCycles, got.Cycle)
	assert.Equal(t, models.MaxCycles, countPhase(got.AgentResults, PhaseTester))
	assert.Len(t, got.AgentResults, 3*models.MaxCycles)
	assert.Equal(t, "Testing failed: rename column X", *got.ErrorMessage)
	assert.Equal(t, "Testing failed", got.ProgressDetails["failure_reason"])
	assert.Len(t, h.plans, models.MaxCycles)
	assert.Len(t, h.plans[4].PreviousAttempts, 4)
}

func TestTraining_MismatchSuggestionsReachNextCycleVerbatim(t *testing.T) {
	h := newHarness()
	h.testerFn = func(n int) (models.TestResult, error) {
		if n == 1 {
			return mismatched("fix date format"), nil
		}
		return passed(), nil
	}
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	want := []models.Feedback{{IssueType: models.IssueValidationMismatch, Suggestion: "fix date format"}}
	require.Len(t, h.plans, 2)
	assert.Empty(t, h.plans[0].Feedback)
	assert.Equal(t, want, h.plans[1].Feedback)
	require.Len(t, h.codes, 2)
	assert.Equal(t, want, h.codes[1].Feedback)
}

func TestTraining_WorkedExample(t *testing.T) {
	h := newHarness()
	h.testerFn = func(n int) (models.TestResult, error) {
		if n == 1 {
			return mismatched("rename column X"), nil
		}
		return passed(), nil
	}
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Cycle)
	assert.Len(t, got.AgentResults, 6)
	assert.Equal(t, "Test failed", got.AgentResults[2].OutputSummary)
	assert.Contains(t, h.plans[1].Feedback[0].Suggestion, "rename column X")
	assert.Contains(t, h.codes[1].Feedback[0].Suggestion, "rename column X")

	require.Len(t, h.plans[1].PreviousAttempts, 1)
	prev := h.plans[1].PreviousAttempts[0]
	assert.Equal(t, 1, prev.Cycle)
	assert.True(t, prev.Planner.Success)
	assert.True(t, prev.Coder.Success)
	assert.False(t, prev.Tester.Success)

	var improving bool
	for _, u := range h.store.Updates {
		if u.Status == models.JobStatusPending && u.CurrentStep == "Improving based on feedback (Cycle 2)" {
			improving = true
			assert.Equal(t, "improvement", u.Progress["phase"])
			assert.Equal(t, 2, u.Progress["cycle"])
		}
	}
	assert.True(t, improving)
}

func TestTraining_ComparisonFeedbackPreferred(t *testing.T) {
	h := newHarness()
	custom := models.Feedback{IssueType: models.IssueValidationMismatch, Suggestion: "parse dates with dayfirst=False"}
	h.testerFn = func(n int) (models.TestResult, error) {
		if n == 1 {
			res := mismatched("Column 'date' has 2 mismatched values")
			res.Comparison.FeedbackForCoder = []models.Feedback{custom}
			return res, nil
		}
		return passed(), nil
	}
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))
	assert.Equal(t, []models.Feedback{custom}, h.codes[1].Feedback)
}

func TestTraining_PlanningFailureConsumesCycle(t *testing.T) {
	h := newHarness()
	h.agents.Planner = planFunc(func(_ context.Context, req models.PlanRequest) (models.PlanResult, error) {
		h.plans = append(h.plans, req)
		return models.PlanResult{Error: "model returned prose"}, nil
	})
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.MaxCycles, got.Cycle)
	assert.Equal(t, models.MaxCycles, countPhase(got.AgentResults, PhasePlanner))
	assert.Zero(t, countPhase(got.AgentResults, PhaseCoder))
	assert.Equal(t, "Planning failed: model returned prose", *got.ErrorMessage)
	assert.Equal(t, []models.Feedback{{
		IssueType:    models.IssuePlanningError,
		Suggestion:   "Planning failed: model returned prose",
		ErrorDetails: "model returned prose",
	}}, h.plans[1].Feedback)
}

func TestTraining_CoderFailureFeedback(t *testing.T) {
	h := newHarness()
	calls := 0
	h.agents.Coder = codeFunc(func(_ context.Context, req models.CodeRequest) (models.CodeResult, error) {
		calls++
		h.codes = append(h.codes, req)
		if calls == 1 {
			return models.CodeResult{}, errors.New("token limit")
		}
		return models.CodeResult{Success: true, Artifact: models.Artifact{Content: "x"}}, nil
	})
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Cycle)
	assert.Equal(t, models.IssueGenerationError, h.plans[1].Feedback[0].IssueType)
	assert.Equal(t, "Code generation failed: token limit", h.plans[1].Feedback[0].Suggestion)
	assert.False(t, got.AgentResults[1].Success)
	assert.Equal(t, "token limit", got.AgentResults[1].Error)
}

func TestTraining_PanicInPhaseIsContained(t *testing.T) {
	h := newHarness()
	calls := 0
	h.agents.Planner = planFunc(func(_ context.Context, req models.PlanRequest) (models.PlanResult, error) {
		calls++
		h.plans = append(h.plans, req)
		if calls == 1 {
			panic("nil map")
		}
		return models.PlanResult{Success: true, Plan: models.Plan{Steps: []string{"x"}}}, nil
	})
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Cycle)
	assert.False(t, got.AgentResults[0].Success)
	assert.Equal(t, "panic: nil map", got.AgentResults[0].Error)
	assert.Equal(t, models.IssuePlanningError, h.plans[1].Feedback[0].IssueType)
}

func TestTraining_TimeoutIsExecutionFeedback(t *testing.T) {
	h := newHarness()
	timeout := &runner.TimeoutError{Limit: 5 * time.Minute}
	h.testerFn = func(n int) (models.TestResult, error) {
		if n == 1 {
			return models.TestResult{
				Error:            timeout.Error(),
				FeedbackForCoder: []models.Feedback{{IssueType: models.IssueExecutionError, Suggestion: "use vectorised operations"}},
			}, timeout
		}
		return passed(), nil
	}
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Cycle)
	assert.Equal(t, "Script execution timed out after 5 minutes", got.AgentResults[2].Error)

	fb := h.codes[1].Feedback
	require.Len(t, fb, 2)
	assert.Equal(t, models.IssueExecutionError, fb[0].IssueType)
	assert.Equal(t, "Fix script execution error: Script execution timed out after 5 minutes", fb[0].Suggestion)
	assert.Equal(t, "Script execution timed out after 5 minutes", fb[0].ErrorDetails)
	assert.Equal(t, "use vectorised operations", fb[1].Suggestion)
}

func TestTraining_TimeoutExhaustsBudget(t *testing.T) {
	h := newHarness()
	timeout := &runner.TimeoutError{Limit: 5 * time.Minute}
	h.testerFn = func(int) (models.TestResult, error) {
		return models.TestResult{Error: timeout.Error()}, timeout
	}
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Script execution failed: Script execution timed out after 5 minutes", *got.ErrorMessage)
}

func TestTraining_TesterWithoutResult(t *testing.T) {
	h := newHarness()
	h.testerFn = func(n int) (models.TestResult, error) {
		if n == 1 {
			return models.TestResult{}, nil
		}
		return passed(), nil
	}
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))
	assert.Equal(t, []models.Feedback{{
		IssueType:    models.IssueTesterFailure,
		Suggestion:   "Tester phase failed - check script syntax and dependencies",
		ErrorDetails: "Tester phase failed to execute",
	}}, h.plans[1].Feedback)
}

func TestTraining_ProfilerFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.agents.Profiler = profileFunc(func(context.Context, string) (models.DataSummary, error) {
		return models.DataSummary{}, errors.New("not a CSV file")
	})
	job := h.trainingJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Input analysis failed: not a CSV file", *got.ErrorMessage)
	assert.Empty(t, got.AgentResults)
	assert.Empty(t, h.plans)
}

func TestTraining_MaxCyclesOption(t *testing.T) {
	h := newHarness()
	h.testerFn = func(int) (models.TestResult, error) { return mismatched("x"), nil }
	job := h.trainingJob(t)

	require.NoError(t, New(h.store, h.agents, WithMaxCycles(2)).Execute(context.Background(), job.ID))
	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 2, got.Cycle)
}

// --- fatal conditions ---

func TestExecute_UnknownJob(t *testing.T) {
	h := newHarness()
	err := h.orchestrator().Execute(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobVanished)
}

func TestExecute_JobDeletedMidRun(t *testing.T) {
	h := newHarness()
	job := h.trainingJob(t)
	h.agents.Planner = planFunc(func(ctx context.Context, _ models.PlanRequest) (models.PlanResult, error) {
		_, err := h.store.DeleteJob(ctx, job.ID)
		require.NoError(t, err)
		return models.PlanResult{Success: true, Plan: models.Plan{Steps: []string{"x"}}}, nil
	})

	err := h.orchestrator().Execute(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobVanished)
	assert.Empty(t, h.codes)
}

func TestExecute_StoreErrorIsReturned(t *testing.T) {
	h := newHarness()
	job := h.trainingJob(t)
	h.store.UpdateErr = store.ErrUnavailable

	err := h.orchestrator().Execute(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, h.plans)
}

func TestExecute_TerminalJobIsSkipped(t *testing.T) {
	h := newHarness()
	job := &models.Job{ClientID: "acme", Status: models.JobStatusCompleted, InputRef: "file:///in.csv"}
	require.NoError(t, h.store.CreateJob(context.Background(), job))

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))
	assert.Empty(t, h.plans)
	assert.Empty(t, h.store.Updates)
}

// --- inference ---

func (h *harness) trainedArtifact(t *testing.T, clientID string) *models.Job {
	t.Helper()
	ref := "file:///data/artifacts/" + clientID + "/transform.py"
	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		ClientID:    clientID,
		Mode:        models.ModeTraining,
		Status:      models.JobStatusCompleted,
		Cycle:       1,
		ArtifactRef: &ref,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	h.store.Put(job)
	return job
}

func (h *harness) inferenceJob(t *testing.T) *models.Job {
	t.Helper()
	job := &models.Job{ClientID: "acme", Mode: models.ModeInference, Status: models.JobStatusPending, InputRef: "file:///data/new.csv"}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func TestInference_RunsLatestArtifact(t *testing.T) {
	h := newHarness()
	trained := h.trainedArtifact(t, "acme")
	var seen models.ExecRequest
	h.agents.Executor = execFunc(func(_ context.Context, req models.ExecRequest) (models.ExecResult, error) {
		seen = req
		return models.ExecResult{OutputRef: "file:///data/outputs/out.csv", Duration: time.Second}, nil
	})
	job := h.inferenceJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assertTerminalInvariants(t, got)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "Inference completed", *got.CurrentStep)
	assert.Equal(t, *trained.ArtifactRef, seen.ArtifactRef)
	assert.Equal(t, "file:///data/new.csv", seen.InputRef)
	require.NotNil(t, got.InferenceOutputRef)
	assert.Equal(t, "file:///data/outputs/out.csv", *got.InferenceOutputRef)
	assert.Equal(t, []models.JobStatus{models.JobStatusPlanning, models.JobStatusCoding, models.JobStatusCompleted},
		h.store.StatusHistory(job.ID))
	assert.Empty(t, h.plans)
}

func TestInference_NoTrainedModel(t *testing.T) {
	h := newHarness()
	h.trainedArtifact(t, "someone-else")
	job := h.inferenceJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "No trained model: No trained model found for client acme", *got.ErrorMessage)
	assert.Equal(t, "No trained model", got.ProgressDetails["failure_reason"])
}

func TestInference_TimeoutFailsWithoutRetry(t *testing.T) {
	h := newHarness()
	h.trainedArtifact(t, "acme")
	calls := 0
	h.agents.Executor = execFunc(func(context.Context, models.ExecRequest) (models.ExecResult, error) {
		calls++
		return models.ExecResult{}, &runner.TimeoutError{Limit: 5 * time.Minute}
	})
	job := h.inferenceJob(t)

	require.NoError(t, h.orchestrator().Execute(context.Background(), job.ID))

	got := h.get(t, job.ID)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Inference failed: Script execution timed out after 5 minutes", *got.ErrorMessage)
	require.Len(t, got.AgentResults, 1)
	assert.Equal(t, PhaseInference, got.AgentResults[0].Phase)
}

// --- error taxonomy ---

func TestPhaseError_MatchesKindAndCause(t *testing.T) {
	cause := &runner.TimeoutError{Limit: time.Minute}
	perr := &PhaseError{Kind: KindTimeout, Phase: PhaseTester, Err: cause}

	assert.ErrorIs(t, perr, ErrTimeout)
	assert.ErrorIs(t, perr, runner.ErrTimeout)
	assert.NotErrorIs(t, perr, ErrExecution)
	assert.Equal(t, "Tester phase: Script execution timed out after 1 minute", perr.Error())
}

func TestOutcome(t *testing.T) {
	v, perr := Ok(3).Get()
	assert.Equal(t, 3, v)
	assert.Nil(t, perr)

	out := Err[int](&PhaseError{Kind: KindPlanning, Err: errors.New("x")})
	assert.False(t, out.IsOk())
	_, perr = out.Get()
	assert.ErrorIs(t, perr, ErrPlanning)
}

func TestGuard_RecoversPanic(t *testing.T) {
	out := guard(func() (int, error) { panic("boom") })
	_, perr := out.Get()
	require.NotNil(t, perr)
	assert.Equal(t, KindTester, perr.Kind)
	assert.EqualError(t, perr.Err, "panic: boom")
}
