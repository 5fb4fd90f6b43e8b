package agent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/runner"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

const outputName = "output.csv"

// ErrNoOutput is returned when a program exits cleanly without writing its output.
var ErrNoOutput = errors.New("script executed but no output file was created")

// Files resolves references handed out by the file store.
type Files interface {
	Path(ref string) (string, error)
	OutputPath(clientID string, jobID uuid.UUID, name string) (path, ref string, err error)
}

// Executor runs an artifact once with the configured runner.
type Executor struct {
	runner runner.Runner
	files  Files
}

var _ models.Executor = (*Executor)(nil)

func NewExecutor(r runner.Runner, files Files) *Executor {
	return &Executor{runner: r, files: files}
}

func (e *Executor) Execute(ctx context.Context, req models.ExecRequest) (models.ExecResult, error) {
	script, err := e.files.Path(req.ArtifactRef)
	if err != nil {
		return models.ExecResult{}, fmt.Errorf("resolve artifact: %w", err)
	}
	input, err := e.files.Path(req.InputRef)
	if err != nil {
		return models.ExecResult{}, fmt.Errorf("resolve input: %w", err)
	}
	if _, err := os.Stat(input); err != nil {
		return models.ExecResult{}, fmt.Errorf("input file: %w", err)
	}
	output, ref, err := e.files.OutputPath(req.ClientID, req.JobID, outputName)
	if err != nil {
		return models.ExecResult{}, fmt.Errorf("prepare output: %w", err)
	}

	res, err := e.runner.Run(ctx, runner.Request{Script: script, Input: input, Output: output})
	if err != nil {
		return models.ExecResult{}, err
	}
	if _, err := os.Stat(output); err != nil {
		return models.ExecResult{}, ErrNoOutput
	}
	return models.ExecResult{OutputRef: ref, Stdout: res.Stdout, Duration: res.Duration}, nil
}
