package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ProcessRunner runs programs as local child processes.
type ProcessRunner struct {
	command []string
	timeout time.Duration
}

var _ Runner = (*ProcessRunner)(nil)

// NewProcessRunner returns a runner that prefixes every run with command,
// for example ["uv", "run"].
func NewProcessRunner(command []string, timeout time.Duration) (*ProcessRunner, error) {
	if len(command) == 0 {
		return nil, errors.New("runner command is empty")
	}
	if timeout <= 0 {
		return nil, errors.New("runner timeout must be positive")
	}
	return &ProcessRunner{command: append([]string(nil), command...), timeout: timeout}, nil
}

func (r *ProcessRunner) Run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string(nil), r.command[1:]...), req.Script, req.Input, "--save-csv", req.Output)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.WaitDelay = 5 * time.Second

	stdout := &capWriter{max: maxCapturedOutput}
	stderr := &capWriter{max: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("script timed out", "script", req.Script, "timeout", r.timeout)
		return Result{}, timeoutError(r.timeout)
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return Result{}, fmt.Errorf("start script: %w", err)
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: elapsed}, nil
}
