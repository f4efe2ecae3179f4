package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"drivertriage/internal/backend"
	"drivertriage/internal/llm"
)

func TestAnalyzeParsesFindings(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`{
			"function": {"name":"sub_15100","address":"0x15100"},
			"has_memory_address_param": true,
			"memory_parameters": [
				{"param":"a1","operation":"copy","description":"destination of RtlCopyMemory","evidence":"RtlCopyMemory(a1, src, n)"},
				{"param":"a1","operation":"move","description":"destination of memmove","evidence":"memmove(a1, p, 8)"},
				{"param":"a2","operation":"write","description":"written through","evidence":"*a2 = v"}
			],
			"notes": "length is attacker-influenced"
		}`), nil
	}
	a := NewParamAnalyzer(fake, nil, 0)

	res, err := a.Analyze(context.Background(),
		backend.FunctionRef{Address: 0x15100, Name: "sub_15100"}, "code")
	require.NoError(t, err)
	require.Equal(t, ParsedOk, res.Status)
	require.Len(t, res.Findings, 3)
	// Per-use findings: a1 appears twice, and "move" folds into copy.
	require.Equal(t, "copy", res.Findings[1].Operation)
	require.True(t, res.HasFinding("a1"))
	require.True(t, res.HasFinding("a2"))
	require.False(t, res.HasFinding("a3"))
	require.Equal(t, "length is attacker-influenced", res.Notes)
}

func TestAnalyzeEmptyFindingsIsValid(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`{
			"function": {"name":"sub_1","address":"0x1"},
			"has_memory_address_param": false,
			"memory_parameters": []
		}`), nil
	}
	a := NewParamAnalyzer(fake, nil, 0)

	res, err := a.Analyze(context.Background(), backend.FunctionRef{Address: 0x1, Name: "sub_1"}, "code")
	require.NoError(t, err)
	require.Equal(t, ParsedOk, res.Status)
	require.Empty(t, res.Findings)
}

func TestAnalyzeUnparsableDegradesWithStatus(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`"I was unable to analyze this function."`), nil
	}
	a := NewParamAnalyzer(fake, nil, 0)

	res, err := a.Analyze(context.Background(), backend.FunctionRef{Address: 0x2, Name: "sub_2"}, "code")
	require.NoError(t, err, "parse failure must not surface as an error")
	require.Equal(t, ParseFailed, res.Status)
	require.Empty(t, res.Findings)
	require.NotEmpty(t, res.Raw)
}

func TestRenderFindingsTable(t *testing.T) {
	res := ParamResult{
		Function: backend.FunctionRef{Address: 0x15100, Name: "sub_15100"},
		Findings: []Finding{
			{Parameter: "a1", Operation: "copy", Description: "dest", Evidence: "RtlCopyMemory(a1, s, n)"},
		},
	}
	md := RenderFindings(res)
	require.Contains(t, md, "| a1 | copy |")
	require.Contains(t, md, "`RtlCopyMemory(a1, s, n)`")

	empty := RenderFindings(ParamResult{Function: res.Function})
	require.Contains(t, empty, "No parameter directly controls")
}
