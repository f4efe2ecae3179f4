// Package pipeline drives the end-to-end triage sequence: discover
// device-creation call sites, resolve each caller's dispatch-table target,
// classify and describe that target's subfunctions, analyze the target's own
// memory parameters and flows, and assemble the report. Failures of a single
// unit of work (one caller, one subfunction) become visible placeholders;
// only backend-wide unavailability aborts a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"drivertriage/internal/backend"
	"drivertriage/internal/llm"
	"drivertriage/internal/memory"
	"drivertriage/internal/report"
	"drivertriage/internal/summarize"
)

// State names the orchestrator's steps, in execution order.
type State string

const (
	StateDiscoverEntry        State = "DISCOVER_ENTRY"
	StateResolveDispatch      State = "RESOLVE_DISPATCH"
	StateEnumerateSubfuncs    State = "ENUMERATE_SUBFUNCTIONS"
	StateDescribeEach         State = "DESCRIBE_EACH"
	StateAnalyzeTargetMemory  State = "ANALYZE_TARGET_MEMORY"
	StateAnalyzeTargetFlow    State = "ANALYZE_TARGET_FLOW"
	StateAssembleReport       State = "ASSEMBLE_REPORT"
	StateDone                 State = "DONE"
	StateFailed               State = "FAILED"
)

// ErrEntryNotFound marks the valid empty outcome: the binary never imports
// the entry symbol, so there is nothing to triage.
var ErrEntryNotFound = errors.New("pipeline: entry symbol not found in import table")

// Analyzer is the slice of the Binary Analysis Client the pipeline needs.
type Analyzer interface {
	ListImports(ctx context.Context) ([]backend.Import, error)
	XrefsTo(ctx context.Context, addr backend.Addr) ([]backend.Addr, error)
	FunctionContaining(ctx context.Context, addr backend.Addr) (backend.FunctionRef, error)
	Decompile(ctx context.Context, ref backend.FunctionRef) (string, error)
	RenameLocal(ctx context.Context, ref backend.FunctionRef, oldName, newName string) error
	SetPrototype(ctx context.Context, ref backend.FunctionRef, prototype string) error
}

// SubfunctionEntry is one classified callee of a dispatch target.
type SubfunctionEntry struct {
	Address backend.Addr `json:"address"`
	Name    string       `json:"name"`
	Kind    string       `json:"type"` // internal | external
}

// Options tunes a run.
type Options struct {
	EntrySymbol  string
	Workers      int
	Housekeeping bool // rename IOCTL local + apply dispatch prototype
}

// Pipeline wires the collaborators. Construct one per run.
type Pipeline struct {
	Backend    Analyzer
	Summarizer *summarize.Summarizer
	Params     *memory.ParamAnalyzer
	Flows      *memory.FlowAnalyzer
	Recorder   *llm.Recorder
	Logger     *log.Logger
	Opts       Options
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Pipeline) workers() int {
	if p.Opts.Workers < 1 {
		return 1
	}
	return p.Opts.Workers
}

func (p *Pipeline) entrySymbol() string {
	if p.Opts.EntrySymbol == "" {
		return "IoCreateDevice"
	}
	return p.Opts.EntrySymbol
}

// Run executes the full state machine and returns the assembled report. A
// missing entry symbol yields an empty report, not an error; only a fatal
// condition (backend unreachable) returns a non-nil error.
func (p *Pipeline) Run(ctx context.Context) (*report.Document, error) {
	if p.Recorder != nil {
		ctx = llm.WithHook(ctx, p.Recorder)
	}
	doc := &report.Document{EntrySymbol: p.entrySymbol()}

	p.logger().Info("state", "state", StateDiscoverEntry)
	callers, importSet, err := p.discover(ctx)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		doc.Note = fmt.Sprintf("Entry not found: the binary does not import %s.", p.entrySymbol())
		return doc, nil
	case err != nil:
		p.logger().Error("state", "state", StateFailed, "err", err)
		return nil, err
	}
	p.logger().Info("discovered callers", "count", len(callers))

	// Per-caller units run in parallel; results land in their fixed slot so
	// assembly order never depends on completion order.
	targets := make([]report.Target, len(callers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, caller := range callers {
		g.Go(func() error {
			t, err := p.processCaller(gctx, caller, importSet)
			if err != nil {
				return err // fatal only
			}
			targets[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger().Error("state", "state", StateFailed, "err", err)
		return nil, err
	}
	doc.Targets = targets

	p.logger().Info("state", "state", StateAssembleReport)
	p.deepAnalysis(ctx, doc)
	p.logger().Info("state", "state", StateDone)
	return doc, nil
}

// discover implements DISCOVER_ENTRY: entry symbol -> xrefs -> enclosing
// functions, deduplicated by address in first-seen order. The import-table
// snapshot is returned alongside for later classification.
func (p *Pipeline) discover(ctx context.Context) ([]backend.FunctionRef, map[backend.Addr]string, error) {
	imports, err := p.Backend.ListImports(ctx)
	if err != nil {
		return nil, nil, err
	}
	importSet := make(map[backend.Addr]string, len(imports))
	var entry *backend.Import
	for _, imp := range imports {
		importSet[imp.Address] = imp.Name
		if entry == nil && strings.EqualFold(imp.Name, p.entrySymbol()) {
			e := imp
			entry = &e
		}
	}
	if entry == nil {
		return nil, nil, ErrEntryNotFound
	}

	xrefs, err := p.Backend.XrefsTo(ctx, entry.Address)
	if err != nil {
		return nil, nil, err
	}
	seen := map[backend.Addr]struct{}{}
	var callers []backend.FunctionRef
	for _, x := range xrefs {
		fn, err := p.Backend.FunctionContaining(ctx, x)
		if errors.Is(err, backend.ErrNotFound) {
			p.logger().Warn("xref outside any function", "xref", x)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if _, ok := seen[fn.Address]; ok {
			continue
		}
		seen[fn.Address] = struct{}{}
		callers = append(callers, fn)
	}
	return callers, importSet, nil
}

// DiscoverEntries is the standalone unit entrypoint for DISCOVER_ENTRY.
func (p *Pipeline) DiscoverEntries(ctx context.Context) ([]backend.FunctionRef, error) {
	callers, _, err := p.discover(ctx)
	if errors.Is(err, ErrEntryNotFound) {
		return []backend.FunctionRef{}, nil
	}
	return callers, err
}

// ResolveDispatch is the standalone unit entrypoint for RESOLVE_DISPATCH.
func (p *Pipeline) ResolveDispatch(ctx context.Context, caller backend.FunctionRef) (backend.FunctionRef, error) {
	code, err := p.Backend.Decompile(ctx, caller)
	if err != nil {
		return backend.FunctionRef{}, err
	}
	return p.Summarizer.ResolveDispatchTarget(ctx, caller, code)
}

// Subfunctions is the standalone unit entrypoint for ENUMERATE_SUBFUNCTIONS.
func (p *Pipeline) Subfunctions(ctx context.Context, target backend.FunctionRef) ([]SubfunctionEntry, error) {
	imports, err := p.Backend.ListImports(ctx)
	if err != nil {
		return nil, err
	}
	importSet := make(map[backend.Addr]string, len(imports))
	for _, imp := range imports {
		importSet[imp.Address] = imp.Name
	}
	code, err := p.Backend.Decompile(ctx, target)
	if err != nil {
		return nil, err
	}
	callees, err := p.Summarizer.ExtractCallees(ctx, target, code)
	if err != nil {
		return nil, err
	}
	return Classify(callees, importSet), nil
}

// Classify derives each callee's kind from import-table membership alone:
// present means external, absent means internal. Callees reached through
// runtime-computed addresses are not resolved here and fall out as internal.
func Classify(callees []summarize.Callee, importSet map[backend.Addr]string) []SubfunctionEntry {
	out := make([]SubfunctionEntry, len(callees))
	for i, c := range callees {
		kind := "internal"
		if _, ok := importSet[c.Address]; ok {
			kind = "external"
		}
		out[i] = SubfunctionEntry{Address: c.Address, Name: c.Name, Kind: kind}
	}
	return out
}
