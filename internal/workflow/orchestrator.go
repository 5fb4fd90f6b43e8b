// Package workflow drives a job through its Plan, Code, Test cycles, or
// through a single inference run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/runner"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// Phase names recorded in agent_results.
const (
	PhasePlanner   = "Planner"
	PhaseCoder     = "Coder"
	PhaseTester    = "Tester"
	PhaseInference = "Inference"
)

// Agents are the collaborators called during a run. Profiler may be nil, in
// which case the phases receive empty data summaries.
type Agents struct {
	Profiler  models.Profiler
	Planner   models.Planner
	Coder     models.Coder
	Tester    models.Tester
	Executor  models.Executor
	Artifacts models.ArtifactWriter
}

// Recorder receives run telemetry.
type Recorder interface {
	PhaseFinished(phase string, ok bool, d time.Duration)
	JobFinished(mode models.JobMode, status models.JobStatus, cycles int)
}

type nopRecorder struct{}

func (nopRecorder) PhaseFinished(string, bool, time.Duration) {}
func (nopRecorder) JobFinished(models.JobMode, models.JobStatus, int) {}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

func WithMaxCycles(n int) Option {
	return func(o *Orchestrator) {
		if n >= 1 && n <= models.MaxCycles {
			o.maxCycles = n
		}
	}
}

// Orchestrator is stateless between runs and safe for concurrent use; each
// Execute call owns its job for the duration of the call.
type Orchestrator struct {
	store     store.JobStore
	agents    Agents
	rec       Recorder
	maxCycles int
}

func New(st store.JobStore, agents Agents, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: st, agents: agents, rec: nopRecorder{}, maxCycles: models.MaxCycles}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the job to a terminal state. Phase failures are recorded on
// the job and do not produce an error; a non-nil error means the store failed
// or the job vanished.
func (o *Orchestrator) Execute(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrJobVanished
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		slog.Warn("skipping job already in terminal state", "job_id", jobID, "status", job.Status)
		return nil
	}

	if job.Mode == models.ModeInference {
		return o.runInference(ctx, job)
	}
	return o.runTraining(ctx, job)
}

type state int

const (
	statePlanning state = iota
	stateCoding
	stateTesting
	stateAdvance
	stateCompleted
	stateFailed
)

// run is the per-job accumulator threaded through the state machine.
type run struct {
	job      *models.Job
	cycle    int
	input    models.DataSummary
	expected models.DataSummary

	feedback []models.Feedback
	attempts []models.Attempt
	attempt  models.Attempt

	plan        models.Plan
	artifactRef string
	test        *models.TestResult
	lastErr     *PhaseError
}

func (r *run) failPhase(perr *PhaseError) {
	r.lastErr = perr
	r.feedback = deriveFeedback(perr, r.test)
}

func (o *Orchestrator) runTraining(ctx context.Context, job *models.Job) error {
	r := &run{job: job, cycle: max(job.Cycle, 1)}
	if job.ArtifactRef != nil {
		r.artifactRef = *job.ArtifactRef
	}

	if ok, err := o.analyze(ctx, r); err != nil || !ok {
		return err
	}

	st := statePlanning
	for {
		switch st {
		case statePlanning:
			r.attempt = models.Attempt{Cycle: r.cycle}
			r.test = nil
			if err := o.update(ctx, job.ID, models.JobStatusPlanning,
				store.WithCurrentStep(fmt.Sprintf("Planning Phase (Cycle %d)", r.cycle)),
				store.WithProgress(map[string]any{"phase": "analysis", "step": 1, "total_steps": 3, "cycle": r.cycle}),
			); err != nil {
				return err
			}
			next, err := o.plan(ctx, r)
			if err != nil {
				return err
			}
			st = next

		case stateCoding:
			if err := o.update(ctx, job.ID, models.JobStatusCoding,
				store.WithCurrentStep(fmt.Sprintf("Code Generation Phase (Cycle %d)", r.cycle)),
				store.WithProgress(map[string]any{"phase": "generation", "step": 2, "total_steps": 3, "cycle": r.cycle}),
			); err != nil {
				return err
			}
			next, err := o.code(ctx, r)
			if err != nil {
				return err
			}
			st = next

		case stateTesting:
			if err := o.update(ctx, job.ID, models.JobStatusTesting,
				store.WithCurrentStep(fmt.Sprintf("Testing Phase (Cycle %d)", r.cycle)),
				store.WithProgress(map[string]any{"phase": "validation", "step": 3, "total_steps": 3, "cycle": r.cycle}),
			); err != nil {
				return err
			}
			next, err := o.testArtifact(ctx, r)
			if err != nil {
				return err
			}
			st = next

		case stateAdvance:
			r.attempts = append(r.attempts, r.attempt)
			if r.cycle >= o.maxCycles {
				st = stateFailed
				continue
			}
			r.cycle++
			slog.Info("retrying job with feedback", "job_id", job.ID, "cycle", r.cycle, "feedback", len(r.feedback))
			if err := o.update(ctx, job.ID, models.JobStatusPending,
				store.WithCurrentStep(fmt.Sprintf("Improving based on feedback (Cycle %d)", r.cycle)),
				store.WithProgress(map[string]any{"phase": "improvement", "cycle": r.cycle}),
				store.WithCycle(r.cycle),
			); err != nil {
				return err
			}
			st = statePlanning

		case stateCompleted:
			r.attempts = append(r.attempts, r.attempt)
			return o.complete(ctx, r)

		case stateFailed:
			return o.fail(ctx, job, r.lastErr.Kind.reason(), r.lastErr.Err.Error(), r.cycle)
		}
	}
}

// analyze profiles the job's files. It reports false when the job was failed.
func (o *Orchestrator) analyze(ctx context.Context, r *run) (bool, error) {
	if o.agents.Profiler == nil {
		return true, nil
	}
	if err := o.update(ctx, r.job.ID, models.JobStatusProcessing,
		store.WithCurrentStep("Analyzing input data"),
		store.WithProgress(map[string]any{"phase": "preparation"}),
	); err != nil {
		return false, err
	}

	var perr *PhaseError
	r.input, perr = guard(func() (models.DataSummary, error) {
		return o.agents.Profiler.Profile(ctx, r.job.InputRef)
	}).Get()
	if perr == nil && r.job.ExpectedOutputRef != nil {
		r.expected, perr = guard(func() (models.DataSummary, error) {
			return o.agents.Profiler.Profile(ctx, *r.job.ExpectedOutputRef)
		}).Get()
	}
	if perr != nil {
		return false, o.fail(ctx, r.job, "Input analysis failed", perr.Err.Error(), r.cycle)
	}

	progress := map[string]any{"input_rows": r.input.RowCount, "input_columns": len(r.input.Columns)}
	if r.job.ExpectedOutputRef != nil {
		progress["expected_rows"] = r.expected.RowCount
		progress["expected_columns"] = len(r.expected.Columns)
	}
	if err := o.update(ctx, r.job.ID, models.JobStatusProcessing, store.WithProgress(progress)); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) plan(ctx context.Context, r *run) (state, error) {
	start := time.Now()
	out := guard(func() (models.Plan, error) {
		res, err := o.agents.Planner.Plan(ctx, models.PlanRequest{
			JobID:            r.job.ID,
			Input:            r.input,
			ExpectedOutput:   r.expected,
			Instructions:     r.job.Instructions,
			PreviousAttempts: append([]models.Attempt(nil), r.attempts...),
			Feedback:         append([]models.Feedback(nil), r.feedback...),
		})
		if err != nil {
			return models.Plan{}, err
		}
		if !res.Success {
			return models.Plan{}, errors.New(orDefault(res.Error, "planner returned no plan"))
		}
		return res.Plan, nil
	})
	plan, perr := out.Get()
	d := time.Since(start)

	if perr != nil {
		perr.Kind, perr.Phase = KindPlanning, PhasePlanner
		r.attempt.Planner = &models.PhaseSummary{Error: perr.Err.Error()}
		if err := o.record(ctx, r.job.ID, PhasePlanner, "", perr.Err.Error(), d); err != nil {
			return 0, err
		}
		r.failPhase(perr)
		slog.Warn("planning failed", "job_id", r.job.ID, "cycle", r.cycle, "error", perr.Err)
		return stateAdvance, nil
	}

	r.plan = plan
	summary := planSummary(plan)
	r.attempt.Planner = &models.PhaseSummary{Success: true, Output: summary}
	if err := o.record(ctx, r.job.ID, PhasePlanner, summary, "", d); err != nil {
		return 0, err
	}
	return stateCoding, nil
}

func (o *Orchestrator) code(ctx context.Context, r *run) (state, error) {
	start := time.Now()
	out := guard(func() (string, error) {
		res, err := o.agents.Coder.Generate(ctx, models.CodeRequest{
			JobID:             r.job.ID,
			ClientID:          r.job.ClientID,
			Plan:              r.plan,
			InputRef:          r.job.InputRef,
			RequiredLibraries: r.plan.RequiredLibraries,
			Instructions:      r.job.Instructions,
			Feedback:          append([]models.Feedback(nil), r.feedback...),
		})
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", errors.New(orDefault(res.Error, "coder returned no program"))
		}
		ref, err := o.agents.Artifacts.SaveArtifact(ctx, r.job.ClientID, r.job.ID, res.Artifact)
		if err != nil {
			return "", fmt.Errorf("save artifact: %w", err)
		}
		r.attempt.Coder = &models.PhaseSummary{
			Success: true,
			Output:  fmt.Sprintf("Generated %d character script", len(res.Artifact.Content)),
		}
		return ref, nil
	})
	ref, perr := out.Get()
	d := time.Since(start)

	if perr != nil {
		perr.Kind, perr.Phase = KindGeneration, PhaseCoder
		r.attempt.Coder = &models.PhaseSummary{Error: perr.Err.Error()}
		if err := o.record(ctx, r.job.ID, PhaseCoder, "", perr.Err.Error(), d); err != nil {
			return 0, err
		}
		r.failPhase(perr)
		slog.Warn("code generation failed", "job_id", r.job.ID, "cycle", r.cycle, "error", perr.Err)
		return stateAdvance, nil
	}

	if err := o.store.SetArtifact(ctx, r.job.ID, ref); err != nil {
		return 0, o.storeErr("set artifact", r.job.ID, err)
	}
	r.artifactRef = ref
	if err := o.record(ctx, r.job.ID, PhaseCoder, r.attempt.Coder.Output, "", d); err != nil {
		return 0, err
	}
	return stateTesting, nil
}

func (o *Orchestrator) testArtifact(ctx context.Context, r *run) (state, error) {
	req := models.TestRequest{
		JobID:       r.job.ID,
		ClientID:    r.job.ClientID,
		ArtifactRef: r.artifactRef,
		InputRef:    r.job.InputRef,
	}
	if r.job.ExpectedOutputRef != nil {
		req.ExpectedOutputRef = *r.job.ExpectedOutputRef
	}

	start := time.Now()
	var res models.TestResult
	out := guard(func() (models.TestResult, error) {
		var err error
		res, err = o.agents.Tester.Test(ctx, req)
		return res, err
	})
	_, perr := out.Get()
	d := time.Since(start)

	switch {
	case perr != nil && perr.Kind == KindTester:
		// Panicked: no usable result.
		perr.Phase = PhaseTester
		r.test = nil
	case perr != nil:
		perr.Phase = PhaseTester
		perr.Kind = KindExecution
		if errors.Is(perr.Err, runner.ErrTimeout) {
			perr.Kind = KindTimeout
		}
		r.test = &res
	case !res.Success && res.Error != "":
		perr = &PhaseError{Kind: KindExecution, Phase: PhaseTester, Err: errors.New(res.Error)}
		r.test = &res
	case !res.Success:
		perr = &PhaseError{Kind: KindTester, Phase: PhaseTester, Err: ErrTesterFailure}
	case !res.TestPassed:
		perr = &PhaseError{Kind: KindValidation, Phase: PhaseTester, Err: mismatchCause(res.Comparison)}
		r.test = &res
	default:
		r.test = &res
	}

	summary := &models.PhaseSummary{Success: res.Success && res.TestPassed}
	output := ""
	if res.Success {
		output = "Test failed"
		if res.TestPassed {
			output = "Test passed"
		}
		summary.Output = output
	}
	errText := ""
	if perr != nil && perr.Kind != KindValidation {
		errText = perr.Err.Error()
		summary.Error = errText
	}
	r.attempt.Tester = summary

	if err := o.appendResult(ctx, r.job.ID, models.AgentResult{
		Phase:         PhaseTester,
		Success:       res.Success,
		OutputSummary: output,
		Error:         errText,
		DurationMS:    d.Milliseconds(),
	}); err != nil {
		return 0, err
	}
	o.rec.PhaseFinished(PhaseTester, perr == nil, d)

	if res.Success {
		if err := o.store.SetTestResults(ctx, r.job.ID, models.TestResults{
			TestPassed:      res.TestPassed,
			Comparison:      res.Comparison,
			ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
		}); err != nil {
			return 0, o.storeErr("set test results", r.job.ID, err)
		}
	}

	if perr != nil {
		r.failPhase(perr)
		slog.Warn("testing failed", "job_id", r.job.ID, "cycle", r.cycle, "kind", perr.Kind.String(), "error", perr.Err)
		return stateAdvance, nil
	}
	return stateCompleted, nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	if err := o.update(ctx, r.job.ID, models.JobStatusCompleted,
		store.WithCurrentStep("Completed"),
		store.WithProgress(map[string]any{
			"phase":       "completed",
			"step":        3,
			"total_steps": 3,
			"summary":     "All phases completed successfully",
		}),
	); err != nil {
		return err
	}
	o.rec.JobFinished(r.job.Mode, models.JobStatusCompleted, r.cycle)
	slog.Info("job completed", "job_id", r.job.ID, "cycle", r.cycle)
	return nil
}

// fail moves the job to FAILED with "<reason>: <details>".
func (o *Orchestrator) fail(ctx context.Context, job *models.Job, reason, details string, cycle int) error {
	msg := reason
	if details != "" {
		msg = reason + ": " + details
	}
	if err := o.update(ctx, job.ID, models.JobStatusFailed,
		store.WithCurrentStep("Failed"),
		store.WithErrorMessage(msg),
		store.WithProgress(map[string]any{"failure_reason": reason}),
	); err != nil {
		return err
	}
	o.rec.JobFinished(job.Mode, models.JobStatusFailed, cycle)
	slog.Error("job failed", "job_id", job.ID, "cycle", cycle, "error", msg)
	return nil
}

// update applies a status change. A missing job aborts the run.
func (o *Orchestrator) update(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error {
	ok, err := o.store.UpdateJobStatus(ctx, id, status, opts...)
	if err != nil {
		return fmt.Errorf("update job %s to %s: %w", id, status, err)
	}
	if !ok {
		slog.Warn("job vanished during run", "job_id", id, "status", status)
		return ErrJobVanished
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, id uuid.UUID, phase, output, errText string, d time.Duration) error {
	o.rec.PhaseFinished(phase, errText == "", d)
	return o.appendResult(ctx, id, models.AgentResult{
		Phase:         phase,
		Success:       errText == "",
		OutputSummary: output,
		Error:         errText,
		DurationMS:    d.Milliseconds(),
	})
}

func (o *Orchestrator) appendResult(ctx context.Context, id uuid.UUID, res models.AgentResult) error {
	if err := o.store.AppendAgentResult(ctx, id, res); err != nil {
		return o.storeErr("append agent result", id, err)
	}
	return nil
}

func (o *Orchestrator) storeErr(op string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrJobVanished
	}
	return fmt.Errorf("%s for job %s: %w", op, id, err)
}

// guard runs fn, converting an error or a panic into a PhaseError. Callers
// set Kind and Phase; a panic is pre-classified as KindTester so the tester
// path can tell it apart from an ordinary failure.
func guard[T any](fn func() (T, error)) (out Outcome[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in phase", "panic", rec)
			out = Err[T](&PhaseError{Kind: KindTester, Err: fmt.Errorf("panic: %v", rec)})
		}
	}()
	v, err := fn()
	if err != nil {
		return Err[T](&PhaseError{Err: err})
	}
	return Ok(v)
}

func mismatchCause(cmp *models.ComparisonResult) error {
	if cmp == nil || len(cmp.Suggestions) == 0 {
		return ErrValidationMismatch
	}
	return errors.New(strings.Join(cmp.Suggestions, "; "))
}

const maxSummarySteps = 3

func planSummary(p models.Plan) string {
	steps := p.Steps
	more := ""
	if len(steps) > maxSummarySteps {
		more = fmt.Sprintf(" (+%d more)", len(steps)-maxSummarySteps)
		steps = steps[:maxSummarySteps]
	}
	return fmt.Sprintf("Planned %d steps: %s%s", len(p.Steps), strings.Join(steps, "; "), more)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
