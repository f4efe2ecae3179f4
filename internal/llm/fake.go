package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeClient returns scripted payloads per phase for offline runs and tests.
// Override JSONFn/MarkdownFn to steer individual test cases; the defaults
// are minimal valid shapes for every phase.
type FakeClient struct {
	mu    sync.Mutex
	calls int

	JSONFn     func(phase, prompt string, input any) (json.RawMessage, error)
	MarkdownFn func(phase, prompt string, input any) (string, error)
}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

// Calls reports how many generate calls were issued. Cache tests use this to
// prove a hit bypassed the model.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) bump() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	f.bump()
	phase := PhaseFrom(ctx)
	if hook := HookFrom(ctx); hook != nil {
		hook.Before(ctx, phase, prompt, input)
	}
	raw, err := f.generateJSON(phase, prompt, input)
	if hook := HookFrom(ctx); hook != nil {
		hook.After(ctx, phase, prompt, string(raw), err)
	}
	return raw, err
}

func (f *FakeClient) generateJSON(phase, prompt string, input any) (json.RawMessage, error) {
	if f.JSONFn != nil {
		return f.JSONFn(phase, prompt, input)
	}
	var obj any
	switch phase {
	case "resolve-dispatch":
		obj = map[string]string{"address": "0x0", "func_name": "unknown"}
	case "list-subfunctions":
		obj = map[string]any{"callees": []any{}}
	case "describe-internal":
		obj = map[string]any{"markdown": "fake description", "mem": false, "map": false}
	case "mem-params":
		obj = map[string]any{
			"function":                 map[string]string{"name": "fake", "address": "0x0"},
			"has_memory_address_param": false,
			"memory_parameters":        []any{},
		}
	case "mem-flow":
		obj = map[string]any{"paths": []any{}, "note": "fake: nothing traced"}
	case "ioctl-local":
		obj = map[string]string{"local": ""}
	default:
		obj = map[string]any{"note": "fake output for " + phase}
	}
	return json.Marshal(obj)
}

func (f *FakeClient) GenerateMarkdown(ctx context.Context, prompt string, input any) (string, error) {
	f.bump()
	phase := PhaseFrom(ctx)
	if hook := HookFrom(ctx); hook != nil {
		hook.Before(ctx, phase, prompt, input)
	}
	var (
		out string
		err error
	)
	if f.MarkdownFn != nil {
		out, err = f.MarkdownFn(phase, prompt, input)
	} else {
		out = "fake markdown for " + phase
	}
	if hook := HookFrom(ctx); hook != nil {
		hook.After(ctx, phase, prompt, out, err)
	}
	return out, err
}
