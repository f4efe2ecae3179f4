package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	genai "google.golang.org/genai"
)

const systemInstruction = "You are a Windows driver reverse engineer. " +
	"Be precise, cite pseudocode evidence verbatim, and never invent symbols."

// GeminiClient is a thin wrapper around the official genai client.
type GeminiClient struct {
	cli   *genai.Client
	model string
	rl    *rpsLimiter
}

// NewGeminiClient builds a client for the given model id. rps/burst throttle
// outgoing requests; rps <= 0 disables throttling.
func NewGeminiClient(ctx context.Context, apiKey, model string, rps float64, burst int) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli, model: model, rl: newRPSLimiter(rps, burst)}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.model }

func (g *GeminiClient) Close() error {
	g.rl.Stop()
	return nil
}

// GenerateJSON sends the prompt plus the JSON-encoded input and requests an
// application/json response.
func (g *GeminiClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	txt, err := g.generate(ctx, prompt, input, "application/json")
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(txt)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJSON, truncate(txt, 120))
	}
	return raw, nil
}

// GenerateMarkdown sends the prompt plus input and returns the raw text.
func (g *GeminiClient) GenerateMarkdown(ctx context.Context, prompt string, input any) (string, error) {
	txt, err := g.generate(ctx, prompt, input, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(txt), nil
}

func (g *GeminiClient) generate(ctx context.Context, prompt string, input any, mime string) (string, error) {
	phase := PhaseFrom(ctx)
	full := prompt
	if input != nil {
		in, _ := json.MarshalIndent(input, "", "  ")
		full = prompt + "\n\n[INPUT JSON]\n" + string(in)
	}
	if hook := HookFrom(ctx); hook != nil {
		hook.Before(ctx, phase, full, input)
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
	}
	if mime != "" {
		cfg.ResponseMIMEType = mime
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := g.rl.Acquire(ctx); err != nil {
			lastErr = err
			break
		}
		resp, err := g.cli.Models.GenerateContent(ctx, g.model,
			[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}}, cfg)
		switch {
		case err != nil:
			lastErr = err
		case len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
			len(resp.Candidates[0].Content.Parts) == 0:
			lastErr = ErrEmptyResponse
		default:
			txt := resp.Candidates[0].Content.Parts[0].Text
			if hook := HookFrom(ctx); hook != nil {
				hook.After(ctx, phase, full, txt, nil)
			}
			return txt, nil
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = 3
		case <-time.After(time.Duration(300*(1<<attempt)) * time.Millisecond):
		}
	}
	if hook := HookFrom(ctx); hook != nil {
		hook.After(ctx, phase, full, "", lastErr)
	}
	return "", lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
