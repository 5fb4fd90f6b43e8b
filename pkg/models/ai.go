// Package models contains shared data models used across the csvforge codebase.
package models

import "context"

// AIProvider is the interface every language-model integration implements.
// Phase agents depend on this interface, never on a concrete provider.
type AIProvider interface {
	// Complete returns the model's text response for a single prompt.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// CompletionRequest is a single-turn prompt sent to an AIProvider.
type CompletionRequest struct {
	System    string
	Prompt    string
	JSON      bool // ask the model for a JSON document
	MaxTokens int
}
