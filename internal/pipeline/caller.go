package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"drivertriage/internal/backend"
	"drivertriage/internal/memory"
	"drivertriage/internal/report"
)

// isFatal reports whether err must abort the whole run rather than one unit
// of work.
func isFatal(err error) bool {
	return errors.Is(err, backend.ErrBackendUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// processCaller runs RESOLVE_DISPATCH through ANALYZE_TARGET_FLOW for one
// caller. Every non-fatal failure is folded into the returned Target as a
// placeholder; the error return is reserved for fatal conditions.
func (p *Pipeline) processCaller(ctx context.Context, caller backend.FunctionRef, importSet map[backend.Addr]string) (report.Target, error) {
	t := report.Target{Caller: caller}
	logger := p.logger().With("caller", caller.Name)

	logger.Info("state", "state", StateResolveDispatch)
	callerCode, err := p.Backend.Decompile(ctx, caller)
	if err != nil {
		if isFatal(err) {
			return t, err
		}
		t.Resolution = fmt.Sprintf("Dispatch target could not be resolved: decompilation of the caller failed (%v).", err)
		logger.Warn("caller decompilation failed, skipping", "err", err)
		return t, nil
	}
	handler, err := p.Summarizer.ResolveDispatchTarget(ctx, caller, callerCode)
	if err != nil {
		if isFatal(err) {
			return t, err
		}
		t.Resolution = fmt.Sprintf("Dispatch target could not be resolved: %v.", err)
		logger.Warn("dispatch resolution failed, skipping", "err", err)
		return t, nil
	}
	t.Handler = handler
	t.Resolved = true
	logger.Info("dispatch target resolved", "handler", handler.Name, "address", handler.Address)

	handlerCode, err := p.Backend.Decompile(ctx, handler)
	if err != nil {
		if isFatal(err) {
			return t, err
		}
		t.Notes = append(t.Notes, fmt.Sprintf("Handler decompilation failed: %v.", err))
		t.MemParams = "(not analyzed: handler pseudocode unavailable)"
		t.MemFlows = "(not analyzed: handler pseudocode unavailable)"
		return t, nil
	}

	if p.Opts.Housekeeping {
		t.Notes = append(t.Notes, p.housekeeping(ctx, handler, handlerCode)...)
	}

	logger.Info("state", "state", StateEnumerateSubfuncs)
	subs, err := p.enumerateAndDescribe(ctx, handler, handlerCode, importSet)
	if err != nil {
		return t, err
	}
	t.Subs = subs

	logger.Info("state", "state", StateAnalyzeTargetMemory)
	known := map[backend.Addr]memory.ParamResult{}
	pr, err := p.Params.Analyze(ctx, handler, handlerCode)
	switch {
	case isFatal(err):
		return t, err
	case err != nil:
		t.MemParams = fmt.Sprintf("(memory parameter analysis failed: %v)", err)
	default:
		known[handler.Address] = pr
		t.MemParams = memory.RenderFindings(pr)
	}

	logger.Info("state", "state", StateAnalyzeTargetFlow)
	fr, err := p.Flows.Trace(ctx, handler, handlerCode, known)
	switch {
	case isFatal(err):
		return t, err
	case err != nil:
		t.MemFlows = fmt.Sprintf("(memory flow analysis failed: %v)", err)
	default:
		t.MemFlows = memory.RenderFlows(fr)
	}

	return t, nil
}

// enumerateAndDescribe implements ENUMERATE_SUBFUNCTIONS plus DESCRIBE_EACH.
// Subsections keep insertion order from enumeration even when described in
// parallel.
func (p *Pipeline) enumerateAndDescribe(ctx context.Context, handler backend.FunctionRef, handlerCode string, importSet map[backend.Addr]string) ([]report.Subsection, error) {
	callees, err := p.Summarizer.ExtractCallees(ctx, handler, handlerCode)
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		p.logger().Warn("subfunction enumeration failed", "handler", handler.Name, "err", err)
		return nil, nil
	}
	entries := Classify(callees, importSet)

	p.logger().Info("state", "state", StateDescribeEach, "subfunctions", len(entries))
	subs := make([]report.Subsection, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, entry := range entries {
		g.Go(func() error {
			sub, err := p.describeSub(gctx, entry)
			if err != nil {
				return err
			}
			subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return subs, nil
}

// describeSub produces one subsection, branching on the derived kind. An
// annotated internal description immediately triggers the deeper
// memory-parameter analysis on that subfunction.
func (p *Pipeline) describeSub(ctx context.Context, entry SubfunctionEntry) (report.Subsection, error) {
	sub := report.Subsection{Name: entry.Name, Address: entry.Address, Kind: entry.Kind}
	ref := backend.FunctionRef{Address: entry.Address, Name: entry.Name}

	if entry.Kind == "external" {
		md, err := p.Summarizer.DescribeExternal(ctx, entry.Name, entry.Address)
		if err != nil {
			if isFatal(err) {
				return sub, err
			}
			sub.Body = fmt.Sprintf("(description unavailable: %v)", err)
			return sub, nil
		}
		sub.Body = md
		return sub, nil
	}

	code, err := p.Backend.Decompile(ctx, ref)
	if err != nil {
		if isFatal(err) {
			return sub, err
		}
		sub.Body = fmt.Sprintf("(description unavailable: %v)", err)
		return sub, nil
	}
	desc, err := p.Summarizer.DescribeInternal(ctx, ref, code)
	if err != nil {
		if isFatal(err) {
			return sub, err
		}
		sub.Body = fmt.Sprintf("(description unavailable: %v)", err)
		return sub, nil
	}
	sub.Body = desc.Markdown

	if desc.Annotated() {
		p.logger().Info("description annotated, analyzing memory parameters", "function", entry.Name)
		pr, err := p.Params.Analyze(ctx, ref, code)
		switch {
		case isFatal(err):
			return sub, err
		case err != nil:
			sub.MemFindings = fmt.Sprintf("(memory parameter analysis failed: %v)", err)
		default:
			sub.MemFindings = memory.RenderFindings(pr)
		}
	}
	return sub, nil
}

// housekeeping applies the two binary-annotation steps the original flow
// performs once a handler is confirmed: normalize the IOCTL local's name and
// apply the dispatch prototype. Both are best effort.
func (p *Pipeline) housekeeping(ctx context.Context, handler backend.FunctionRef, handlerCode string) []string {
	var notes []string

	local, err := p.Summarizer.IdentifyIoControlLocal(ctx, handler, handlerCode)
	switch {
	case err != nil:
		notes = append(notes, fmt.Sprintf("IoControlCode rename skipped: %v.", err))
	case local == "" || local == "IoControlCode":
		// nothing to rename
	default:
		if err := p.Backend.RenameLocal(ctx, handler, local, "IoControlCode"); err != nil {
			notes = append(notes, fmt.Sprintf("IoControlCode rename failed: %v.", err))
		} else {
			notes = append(notes, fmt.Sprintf("Renamed local %s to IoControlCode.", local))
		}
	}

	proto := fmt.Sprintf("NTSTATUS %s(PDEVICE_OBJECT DeviceObject, PIRP Irp)", handler.Name)
	if err := p.Backend.SetPrototype(ctx, handler, proto); err != nil {
		notes = append(notes, fmt.Sprintf("Dispatch prototype not applied: %v.", err))
	} else {
		notes = append(notes, "Applied DRIVER_DISPATCH prototype to the handler.")
	}
	return notes
}

// deepAnalysis adds the closing section from the run's collected
// transcripts. Never fatal.
func (p *Pipeline) deepAnalysis(ctx context.Context, doc *report.Document) {
	if p.Recorder == nil {
		return
	}
	transcripts := p.Recorder.Transcripts()
	if len(transcripts) == 0 {
		return
	}
	var memSections []string
	for _, t := range doc.Targets {
		for _, s := range t.Subs {
			if s.MemFindings != "" {
				memSections = append(memSections, s.MemFindings)
			}
		}
		if t.MemParams != "" {
			memSections = append(memSections, t.MemParams)
		}
	}
	deep, err := p.Summarizer.DeepAnalysis(ctx, transcripts, memSections)
	if err != nil {
		p.logger().Warn("deep analysis failed", "err", err)
		doc.Deep = fmt.Sprintf("(deep analysis failed: %v)", err)
		return
	}
	doc.Deep = deep
}
