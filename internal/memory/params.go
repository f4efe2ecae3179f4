// Package memory holds the two LLM-assisted analyzers that go past prose:
// which parameters of a function denote memory-operation addresses, and how
// caller-supplied values flow through nested calls to reach those
// operations.
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

// Status distinguishes "analyzed, nothing found" from "the reply could not
// be parsed". Both yield an empty finding list; consumers that care check
// the flag.
type Status int

const (
	ParsedOk Status = iota
	ParseFailed
)

func (s Status) String() string {
	if s == ParseFailed {
		return "parse-failed"
	}
	return "ok"
}

// Finding records one use of a parameter as a memory-operation address.
// Findings are per-use: a parameter feeding two copies appears twice.
type Finding struct {
	Parameter   string `json:"param"`
	Operation   string `json:"operation"` // read | write | copy
	Description string `json:"description"`
	Evidence    string `json:"evidence"` // verbatim pseudocode line
}

// ParamResult is the outcome of analyzing one function. An empty Findings
// slice with Status==ParsedOk is a meaningful result, not a failure.
type ParamResult struct {
	Function backend.FunctionRef
	Findings []Finding
	Notes    string
	Status   Status
	Raw      string // reply text kept when Status==ParseFailed
}

// HasFinding reports whether parameter appears in any finding.
func (r ParamResult) HasFinding(parameter string) bool {
	for _, f := range r.Findings {
		if f.Parameter == parameter {
			return true
		}
	}
	return false
}

// ParamAnalyzer prompts the model and parses its structured reply.
type ParamAnalyzer struct {
	llm     llm.Client
	logger  *log.Logger
	timeout time.Duration
}

func NewParamAnalyzer(client llm.Client, logger *log.Logger, timeout time.Duration) *ParamAnalyzer {
	if logger == nil {
		logger = log.Default()
	}
	return &ParamAnalyzer{llm: client, logger: logger, timeout: timeout}
}

const promptParams = `The input holds a function's decompiled pseudocode.

Determine which of the function's declared parameters (if any) supply an address used by a memory read, write or copy operation (memcpy/memmove/Rtl*Memory/memset, buffer loops). For each such use, cite the exact pseudocode line.

Return STRICT JSON ONLY:
{
  "function": {"name":"string","address":"0x..."},
  "has_memory_address_param": true/false,
  "memory_parameters": [
    {"param":"a1","operation":"read|write|copy","description":"string","evidence":"verbatim pseudocode line"}
  ],
  "notes": "string (optional)"
}

A parameter used in two separate operations appears twice, once per use. If no parameter qualifies, return an empty memory_parameters array and has_memory_address_param=false.`

type paramReply struct {
	Function struct {
		Name    string       `json:"name"`
		Address backend.Addr `json:"address"`
	} `json:"function"`
	HasParam bool      `json:"has_memory_address_param"`
	Params   []Finding `json:"memory_parameters"`
	Notes    string    `json:"notes"`
}

// Analyze returns the memory-parameter findings for ref. An unparsable reply
// degrades to zero findings with Status set to ParseFailed; only transport
// or model errors are returned as errors.
func (a *ParamAnalyzer) Analyze(ctx context.Context, ref backend.FunctionRef, pseudocode string) (ParamResult, error) {
	ctx = llm.WithPhase(ctx, "mem-params")
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	input := map[string]any{"function": ref, "pseudocode": pseudocode}
	raw, err := a.llm.GenerateJSON(ctx, promptParams, input)
	if err != nil {
		return ParamResult{}, fmt.Errorf("memory: analyze %s: %w", ref.Name, err)
	}

	res := ParamResult{Function: ref}
	var reply paramReply
	if err := jsonutil.UnmarshalLenient(raw, &reply); err != nil {
		a.logger.Warn("memory-parameter reply unparsable, treating as no findings",
			"function", ref.Name)
		res.Status = ParseFailed
		res.Raw = strings.TrimSpace(string(raw))
		return res, nil
	}
	res.Findings = sanitizeFindings(reply.Params)
	res.Notes = strings.TrimSpace(reply.Notes)
	return res, nil
}

func sanitizeFindings(in []Finding) []Finding {
	out := make([]Finding, 0, len(in))
	for _, f := range in {
		if strings.TrimSpace(f.Parameter) == "" {
			continue
		}
		switch f.Operation {
		case "read", "write", "copy":
		case "move":
			// Some replies say "move" for memmove; fold it into copy.
			f.Operation = "copy"
		default:
			continue
		}
		out = append(out, f)
	}
	return out
}
