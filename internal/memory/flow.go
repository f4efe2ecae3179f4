package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"drivertriage/internal/backend"
	"drivertriage/internal/llm"
	"drivertriage/internal/util/jsonutil"
)

// Hop is one step in a value's journey from a caller-supplied argument to a
// memory operation.
type Hop struct {
	Function  backend.FunctionRef `json:"function"`
	Parameter string              `json:"parameter"`
}

// FlowPath is an ordered hop sequence. Its terminal hop always corresponds
// to a memory-parameter finding in the terminal function; paths that fail
// that check are dropped before the result is returned.
type FlowPath struct {
	Hops      []Hop  `json:"hops"`
	Operation string `json:"operation"`
	Evidence  string `json:"evidence"`
}

func (p FlowPath) Terminal() Hop { return p.Hops[len(p.Hops)-1] }

// FlowResult is the outcome of tracing one function. Zero paths is reported
// explicitly with a note so report readers can tell "analyzed, nothing
// found" from "not analyzed".
type FlowResult struct {
	Function backend.FunctionRef
	Paths    []FlowPath
	Note     string
	Status   Status
}

// Decompiler supplies pseudocode for terminal-hop verification.
type Decompiler interface {
	Decompile(ctx context.Context, ref backend.FunctionRef) (string, error)
}

// FlowAnalyzer extends the parameter analysis across nested calls.
type FlowAnalyzer struct {
	llm     llm.Client
	params  *ParamAnalyzer
	dec     Decompiler
	logger  *log.Logger
	timeout time.Duration
}

func NewFlowAnalyzer(client llm.Client, params *ParamAnalyzer, dec Decompiler, logger *log.Logger, timeout time.Duration) *FlowAnalyzer {
	if logger == nil {
		logger = log.Default()
	}
	return &FlowAnalyzer{llm: client, params: params, dec: dec, logger: logger, timeout: timeout}
}

const promptFlow = `The input holds a function's decompiled pseudocode.

Trace how each caller-supplied parameter propagates through nested calls until it reaches the target of a memory read/write/copy operation. Report one path per reachable memory operation.

Return STRICT JSON ONLY:
{
  "paths": [
    {
      "hops": [{"function":{"func_name":"string","address":"0x..."},"parameter":"string"}],
      "operation": "read|write|copy",
      "evidence": "verbatim pseudocode line at the terminal hop"
    }
  ],
  "note": "string — when paths is empty, a short human-readable explanation"
}

The first hop is the analyzed function itself; the last hop is the function containing the memory operation. Do not emit a path whose last hop carries no memory operation.`

type flowReply struct {
	Paths []FlowPath `json:"paths"`
	Note  string     `json:"note"`
}

// Trace analyzes ref and verifies every reported path against a real
// memory-parameter finding at its terminal hop. knownFindings carries
// results already computed for ref (or others) so verification does not
// repeat model calls; missing functions are decompiled and analyzed on
// demand.
func (a *FlowAnalyzer) Trace(ctx context.Context, ref backend.FunctionRef, pseudocode string, knownFindings map[backend.Addr]ParamResult) (FlowResult, error) {
	callCtx := llm.WithPhase(ctx, "mem-flow")
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, a.timeout)
		defer cancel()
	}

	input := map[string]any{"function": ref, "pseudocode": pseudocode}
	raw, err := a.llm.GenerateJSON(callCtx, promptFlow, input)
	if err != nil {
		return FlowResult{}, fmt.Errorf("memory: trace %s: %w", ref.Name, err)
	}

	res := FlowResult{Function: ref}
	var reply flowReply
	if err := jsonutil.UnmarshalLenient(raw, &reply); err != nil {
		a.logger.Warn("memory-flow reply unparsable, treating as no paths", "function", ref.Name)
		res.Status = ParseFailed
		res.Note = "flow analysis reply could not be parsed"
		return res, nil
	}

	verified := make([]FlowPath, 0, len(reply.Paths))
	cache := knownFindings
	if cache == nil {
		cache = map[backend.Addr]ParamResult{}
	}
	for _, p := range reply.Paths {
		if len(p.Hops) == 0 {
			continue
		}
		term := p.Terminal()
		pr, err := a.findingsFor(ctx, term.Function, ref, pseudocode, cache)
		if err != nil {
			a.logger.Warn("dropping flow path, terminal hop unverifiable",
				"function", term.Function.Name, "err", err)
			continue
		}
		if !pr.HasFinding(term.Parameter) {
			a.logger.Debug("dropping flow path, terminal hop has no matching finding",
				"function", term.Function.Name, "parameter", term.Parameter)
			continue
		}
		verified = append(verified, p)
	}
	res.Paths = verified
	if len(verified) == 0 {
		note := strings.TrimSpace(reply.Note)
		if note == "" {
			note = "no caller-supplied parameter reaches a memory operation"
		}
		res.Note = note
	}
	return res, nil
}

func (a *FlowAnalyzer) findingsFor(ctx context.Context, fn, analyzed backend.FunctionRef, analyzedCode string, cache map[backend.Addr]ParamResult) (ParamResult, error) {
	if pr, ok := cache[fn.Address]; ok {
		return pr, nil
	}
	code := analyzedCode
	if fn.Address != analyzed.Address {
		var err error
		code, err = a.dec.Decompile(ctx, fn)
		if err != nil {
			return ParamResult{}, err
		}
	}
	pr, err := a.params.Analyze(ctx, fn, code)
	if err != nil {
		return ParamResult{}, err
	}
	cache[fn.Address] = pr
	return pr, nil
}
