package llm

import (
	"context"
	"sync"
)

// PromptHook observes every model call. The pipeline installs a Recorder so
// the final deep-analysis pass can replay the run's full conversation.
// After receives the prompt again because calls of the same phase run
// concurrently and cannot be paired up after the fact.
type PromptHook interface {
	Before(ctx context.Context, phase, prompt string, input any)
	After(ctx context.Context, phase, prompt, reply string, err error)
}

type ctxKeyHook struct{}
type ctxKeyPhase struct{}

// WithHook attaches a hook to the context consulted by client
// implementations.
func WithHook(ctx context.Context, hook PromptHook) context.Context {
	return context.WithValue(ctx, ctxKeyHook{}, hook)
}

// WithPhase tags the context with the current analysis phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase{}, phase)
}

// HookFrom returns the hook stored in the context, if any.
func HookFrom(ctx context.Context) PromptHook {
	if h, ok := ctx.Value(ctxKeyHook{}).(PromptHook); ok {
		return h
	}
	return nil
}

// PhaseFrom returns the phase string stored in the context.
func PhaseFrom(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyPhase{}).(string); ok {
		return s
	}
	return "unknown"
}

// Transcript is one prompt/reply exchange captured during a run.
type Transcript struct {
	Phase  string `json:"phase"`
	Prompt string `json:"prompt"`
	Reply  string `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Recorder is a PromptHook that accumulates transcripts. Safe for use from
// the pipeline's parallel loops; each exchange is recorded whole in After,
// so overlapping calls of the same phase cannot mix up their prompts.
type Recorder struct {
	mu      sync.Mutex
	entries []Transcript
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Before(context.Context, string, string, any) {}

func (r *Recorder) After(_ context.Context, phase, prompt, reply string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := Transcript{Phase: phase, Prompt: prompt, Reply: reply}
	if err != nil {
		t.Error = err.Error()
	}
	r.entries = append(r.entries, t)
}

// Transcripts returns a copy of everything recorded so far.
func (r *Recorder) Transcripts() []Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transcript, len(r.entries))
	copy(out, r.entries)
	return out
}
