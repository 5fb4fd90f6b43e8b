// Package ai builds the language-model providers used by the planner and
// coder, and bounds how hard the shared provider is driven.
package ai

import "errors"

// Provider failures as seen by callers of a Throttled provider. The agents
// surface them unchanged so a failed phase records why the model call failed.
var (
	// ErrProviderUnavailable covers transport and API errors.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	// ErrInferenceTimeout means the call exceeded the per-request deadline.
	ErrInferenceTimeout = errors.New("ai inference timeout")
	// ErrInvalidResponse means the call returned but the reply is unusable.
	ErrInvalidResponse = errors.New("ai provider returned invalid response")
	// ErrRateLimited means the caller gave up while waiting for the limiter.
	ErrRateLimited = errors.New("ai request rate limited")
)
