package ai_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/csvforge/internal/ai"
	"github.com/kiranshivaraju/csvforge/internal/ai/mock"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottled_PassesThrough(t *testing.T) {
	p := ai.NewThrottled(mock.NewMockProvider("hello"), 0, 1, time.Second)
	assert.Equal(t, "mock", p.Name())

	out, err := p.Complete(context.Background(), models.CompletionRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestThrottled_EmptyIsInvalid(t *testing.T) {
	p := ai.NewThrottled(mock.NewMockProvider("  \n"), 0, 1, time.Second)
	_, err := p.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestThrottled_Timeout(t *testing.T) {
	slow := &mock.MockProvider{
		Name_: "slow",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	p := ai.NewThrottled(slow, 0, 1, 20*time.Millisecond)
	_, err := p.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestThrottled_OtherErrorsAreUnavailable(t *testing.T) {
	p := ai.NewThrottled(mock.NewFailingProvider(errors.New("connection refused")), 0, 1, time.Second)
	_, err := p.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestThrottled_KeepsSentinels(t *testing.T) {
	p := ai.NewThrottled(mock.NewFailingProvider(ai.ErrInvalidResponse), 0, 1, time.Second)
	_, err := p.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
	assert.NotErrorIs(t, err, ai.ErrProviderUnavailable)
}

func TestThrottled_RateLimits(t *testing.T) {
	p := ai.NewThrottled(mock.NewMockProvider("ok"), 20, 1, time.Second)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		_, err := p.Complete(ctx, models.CompletionRequest{})
		require.NoError(t, err)
	}
	// Burst of one at 20/s: the second and third calls each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestThrottled_CancelledWhileWaiting(t *testing.T) {
	p := ai.NewThrottled(mock.NewMockProvider("ok"), 0.001, 1, time.Second)
	ctx := context.Background()
	_, err := p.Complete(ctx, models.CompletionRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.Complete(ctx, models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrRateLimited)
	assert.NotErrorIs(t, err, ai.ErrProviderUnavailable)
}
