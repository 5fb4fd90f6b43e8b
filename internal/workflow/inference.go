package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// runInference executes the client's latest trained program once against the
// job's input. There is no retry.
func (o *Orchestrator) runInference(ctx context.Context, job *models.Job) error {
	if err := o.update(ctx, job.ID, models.JobStatusPlanning,
		store.WithCurrentStep("Loading trained model"),
		store.WithProgress(map[string]any{"phase": "inference", "step": 1, "total_steps": 2}),
	); err != nil {
		return err
	}

	source, err := o.store.LatestArtifact(ctx, job.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return o.fail(ctx, job, "No trained model", fmt.Sprintf("No trained model found for client %s", job.ClientID), 1)
	}
	if err != nil {
		return fmt.Errorf("find trained model for job %s: %w", job.ID, err)
	}

	if err := o.update(ctx, job.ID, models.JobStatusCoding,
		store.WithCurrentStep("Executing inference"),
		store.WithProgress(map[string]any{
			"phase":         "inference",
			"step":          2,
			"total_steps":   2,
			"source_job_id": source.ID.String(),
		}),
	); err != nil {
		return err
	}

	start := time.Now()
	res, perr := guard(func() (models.ExecResult, error) {
		return o.agents.Executor.Execute(ctx, models.ExecRequest{
			JobID:       job.ID,
			ClientID:    job.ClientID,
			ArtifactRef: *source.ArtifactRef,
			InputRef:    job.InputRef,
		})
	}).Get()
	d := time.Since(start)

	if perr != nil {
		if err := o.record(ctx, job.ID, PhaseInference, "", perr.Err.Error(), d); err != nil {
			return err
		}
		return o.fail(ctx, job, "Inference failed", perr.Err.Error(), 1)
	}
	if err := o.record(ctx, job.ID, PhaseInference, "Inference output written", "", d); err != nil {
		return err
	}

	if err := o.store.SetInferenceOutput(ctx, job.ID, res.OutputRef); err != nil {
		return o.storeErr("set inference output", job.ID, err)
	}
	if err := o.update(ctx, job.ID, models.JobStatusCompleted,
		store.WithCurrentStep("Inference completed"),
		store.WithProgress(map[string]any{
			"phase":          "completed",
			"execution_time": res.Duration.Seconds(),
			"output_file":    res.OutputRef,
		}),
	); err != nil {
		return err
	}
	o.rec.JobFinished(job.Mode, models.JobStatusCompleted, 1)
	slog.Info("inference completed", "job_id", job.ID, "source_job_id", source.ID)
	return nil
}
