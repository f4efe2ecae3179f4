// Package summarize wraps the LLM backend with fixed prompt templates, one
// per analysis kind, and parses the free-text replies into typed results.
// External-symbol descriptions are routed through the persistent cache;
// internal-function descriptions are binary-specific and always regenerated.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"drivertriage/internal/backend"
	"drivertriage/internal/cache"
	"drivertriage/internal/llm"
	"drivertriage/internal/util/jsonutil"
)

// ErrSummarizationFailed covers model API errors, timeouts and empty
// replies. It is non-fatal at the pipeline level: the orchestrator
// substitutes a placeholder section and continues.
var ErrSummarizationFailed = errors.New("summarize: summarization failed")

// Sentinel markers the model is asked to embed when structured flags cannot
// be produced. Kept as a fallback only; the typed mem/map flags are
// authoritative.
const (
	memMarker = "# MEM #"
	mapMarker = "# MAP #"
)

// Description is an internal function's generated documentation plus the
// typed classification flags extracted alongside the prose.
type Description struct {
	Markdown string
	Mem      bool
	Map      bool
}

// Annotated reports whether the description claims any memory copy/move or
// mapping behavior, which triggers the deeper parameter analysis.
func (d Description) Annotated() bool { return d.Mem || d.Map }

// Callee is one direct call site target extracted from pseudocode, before
// import-table classification.
type Callee struct {
	Name    string       `json:"name"`
	Address backend.Addr `json:"address"`
}

// Summarizer issues the fixed prompts and owns reply parsing.
type Summarizer struct {
	llm     llm.Client
	cache   *cache.Store
	logger  *log.Logger
	timeout time.Duration
}

func New(client llm.Client, store *cache.Store, logger *log.Logger, timeout time.Duration) *Summarizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Summarizer{llm: client, cache: store, logger: logger, timeout: timeout}
}

func (s *Summarizer) callCtx(ctx context.Context, phase string) (context.Context, context.CancelFunc) {
	ctx = llm.WithPhase(ctx, phase)
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// DescribeExternal returns markdown documentation for an imported symbol,
// consulting the cache first. On a hit no model call is issued; the sighting
// address is still merged into the entry.
func (s *Summarizer) DescribeExternal(ctx context.Context, name string, addr backend.Addr) (string, error) {
	if e, ok := s.cache.Lookup(name); ok {
		if _, err := s.cache.Upsert(name, e.Markdown, addr); err != nil {
			return "", err
		}
		s.logger.Debug("external description served from cache", "symbol", name)
		return e.Markdown, nil
	}

	ctx, cancel := s.callCtx(ctx, "describe-external")
	defer cancel()
	md, err := s.llm.GenerateMarkdown(ctx, promptDescribeExternal, map[string]string{"name": name})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, name, err)
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return "", fmt.Errorf("%w: %s: empty reply", ErrSummarizationFailed, name)
	}
	md = md + "\n\n> IAT Address: " + addr.String()
	if _, err := s.cache.Upsert(name, md, addr); err != nil {
		return "", err
	}
	return md, nil
}

type internalReply struct {
	Markdown string `json:"markdown"`
	Mem      bool   `json:"mem"`
	Map      bool   `json:"map"`
}

// DescribeInternal generates documentation for a routine inside the binary.
// The structured mem/map flags are preferred; when the reply cannot be
// parsed, the raw text is scanned for the sentinel markers instead, and a
// malformed sentinel counts as absent.
func (s *Summarizer) DescribeInternal(ctx context.Context, ref backend.FunctionRef, pseudocode string) (Description, error) {
	ctx, cancel := s.callCtx(ctx, "describe-internal")
	defer cancel()
	input := map[string]any{"function": ref, "pseudocode": pseudocode}
	raw, err := s.llm.GenerateJSON(ctx, promptDescribeInternal, input)
	if err != nil {
		return Description{}, fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, ref.Name, err)
	}

	var reply internalReply
	if err := jsonutil.UnmarshalLenient(raw, &reply); err == nil && reply.Markdown != "" {
		return Description{
			Markdown: strings.TrimSpace(reply.Markdown) + "\n\n> Address: " + ref.Address.String(),
			Mem:      reply.Mem,
			Map:      reply.Map,
		}, nil
	}

	// Fallback: treat the reply as prose carrying sentinel markers.
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Description{}, fmt.Errorf("%w: %s: empty reply", ErrSummarizationFailed, ref.Name)
	}
	s.logger.Warn("internal description reply not structured, scanning sentinels", "function", ref.Name)
	d := Description{
		Markdown: text + "\n\n> Address: " + ref.Address.String(),
		Mem:      strings.Contains(text, memMarker),
		Map:      strings.Contains(text, mapMarker),
	}
	return d, nil
}

// ResolveDispatchTarget reads a caller's pseudocode and identifies the
// routine stored into the device-I/O-control dispatch slot before the
// IoCreateDevice call.
func (s *Summarizer) ResolveDispatchTarget(ctx context.Context, caller backend.FunctionRef, pseudocode string) (backend.FunctionRef, error) {
	ctx, cancel := s.callCtx(ctx, "resolve-dispatch")
	defer cancel()
	input := map[string]any{"caller": caller, "pseudocode": pseudocode}
	raw, err := s.llm.GenerateJSON(ctx, promptResolveDispatch, input)
	if err != nil {
		return backend.FunctionRef{}, fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, caller.Name, err)
	}
	var target backend.FunctionRef
	if err := jsonutil.UnmarshalLenient(raw, &target); err != nil {
		return backend.FunctionRef{}, fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, caller.Name, err)
	}
	if target.Address == 0 || target.Name == "" {
		return backend.FunctionRef{}, fmt.Errorf("%w: %s: no dispatch assignment found", ErrSummarizationFailed, caller.Name)
	}
	return target, nil
}

// ExtractCallees lists the direct call targets found in pseudocode. The
// caller classifies them against the import table; extraction itself knows
// nothing about internal vs external.
func (s *Summarizer) ExtractCallees(ctx context.Context, ref backend.FunctionRef, pseudocode string) ([]Callee, error) {
	ctx, cancel := s.callCtx(ctx, "list-subfunctions")
	defer cancel()
	input := map[string]any{"function": ref, "pseudocode": pseudocode}
	raw, err := s.llm.GenerateJSON(ctx, promptListSubfunctions, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, ref.Name, err)
	}
	var reply struct {
		Callees []Callee `json:"callees"`
	}
	if err := jsonutil.UnmarshalLenient(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, ref.Name, err)
	}
	return dedupeCallees(reply.Callees), nil
}

// IdentifyIoControlLocal names the local variable carrying the IOCTL code in
// a dispatch routine, or "" when none exists.
func (s *Summarizer) IdentifyIoControlLocal(ctx context.Context, ref backend.FunctionRef, pseudocode string) (string, error) {
	ctx, cancel := s.callCtx(ctx, "ioctl-local")
	defer cancel()
	input := map[string]any{"function": ref, "pseudocode": pseudocode}
	raw, err := s.llm.GenerateJSON(ctx, promptIoControlLocal, input)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, ref.Name, err)
	}
	var reply struct {
		Local string `json:"local"`
	}
	if err := jsonutil.UnmarshalLenient(raw, &reply); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSummarizationFailed, ref.Name, err)
	}
	return strings.TrimSpace(reply.Local), nil
}

// DeepAnalysis reasons over the run's collected transcripts and the
// controllable-memory excerpts, producing the report's closing section.
func (s *Summarizer) DeepAnalysis(ctx context.Context, transcripts []llm.Transcript, memSections []string) (string, error) {
	ctx, cancel := s.callCtx(ctx, "deep-analysis")
	defer cancel()
	input := map[string]any{
		"transcripts":         transcripts,
		"memory_code_samples": memSections,
	}
	md, err := s.llm.GenerateMarkdown(ctx, promptDeepAnalysis, input)
	if err != nil {
		return "", fmt.Errorf("%w: deep analysis: %v", ErrSummarizationFailed, err)
	}
	return strings.TrimSpace(md), nil
}

func dedupeCallees(in []Callee) []Callee {
	seen := make(map[backend.Addr]struct{}, len(in))
	out := make([]Callee, 0, len(in))
	for _, c := range in {
		if c.Name == "" || c.Address == 0 {
			continue
		}
		if _, ok := seen[c.Address]; ok {
			continue
		}
		seen[c.Address] = struct{}{}
		out = append(out, c)
	}
	return out
}
