// Package llm abstracts the language-model backend behind a two-method
// client: structured JSON generation for machine-parsed analyses and
// free-text markdown generation for prose sections. The backend enforces no
// schema, so every consumer parses defensively.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidJSON means the model returned an empty or non-JSON payload
	// where JSON was requested.
	ErrInvalidJSON = errors.New("llm: invalid JSON from model")

	// ErrEmptyResponse means the model returned no usable text.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Client is implemented by real model backends and by the fake used in
// tests. GenerateJSON asks for application/json output; GenerateMarkdown
// returns the raw assistant text.
type Client interface {
	Name() string
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
	GenerateMarkdown(ctx context.Context, prompt string, input any) (string, error)
	Close() error
}
