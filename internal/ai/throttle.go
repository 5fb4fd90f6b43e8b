package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kiranshivaraju/csvforge/pkg/models"
	"golang.org/x/time/rate"
)

// Throttled bounds the request rate and latency of a provider shared by all
// workers, and maps provider failures onto this package's sentinel errors.
type Throttled struct {
	next    models.AIProvider
	limiter *rate.Limiter
	timeout time.Duration
}

var _ models.AIProvider = (*Throttled)(nil)

// NewThrottled wraps p. A non-positive rps disables rate limiting and a
// non-positive timeout disables the per-call deadline.
func NewThrottled(p models.AIProvider, rps float64, burst int, timeout time.Duration) *Throttled {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: p, limiter: rate.NewLimiter(limit, burst), timeout: timeout}
}

func (t *Throttled) Name() string { return t.next.Name() }

func (t *Throttled) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	out, err := t.next.Complete(callCtx, req)
	switch {
	case err == nil && strings.TrimSpace(out) == "":
		return "", fmt.Errorf("%w: empty completion from %s", ErrInvalidResponse, t.next.Name())
	case err == nil:
		return out, nil
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrInferenceTimeout),
		errors.Is(err, ErrInvalidResponse), errors.Is(err, ErrRateLimited):
		return "", err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("%w: %s after %s", ErrInferenceTimeout, t.next.Name(), t.timeout)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	default:
		return "", fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, t.next.Name(), err)
	}
}
