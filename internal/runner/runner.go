// Package runner executes generated transformation programs with a wall-clock limit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned when a program is still running at the deadline.
var ErrTimeout = errors.New("script execution timed out")

// maxCapturedOutput bounds how much stdout/stderr is kept per run.
const maxCapturedOutput = 64 << 10

// Request describes one program run. All paths are local.
type Request struct {
	Script string
	Input  string
	Output string
}

// Result is the outcome of a run that exited zero.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs a program as `<command> <script> <input> --save-csv <output>`.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ExitError reports a program that ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("script exited with code %d", e.Code)
	}
	return fmt.Sprintf("script exited with code %d: %s", e.Code, msg)
}

// TimeoutError carries the limit that was exceeded. It matches ErrTimeout.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return "Script execution timed out after " + describe(e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func timeoutError(limit time.Duration) error {
	return &TimeoutError{Limit: limit}
}

// describe renders whole minutes the way users read them ("5 minutes").
func describe(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

// capWriter keeps the last max bytes written to it.
type capWriter struct {
	buf []byte
	max int
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *capWriter) String() string { return string(w.buf) }
