package summarize

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"drivertriage/internal/backend"
	"drivertriage/internal/cache"
	"drivertriage/internal/llm"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDescribeExternalCacheHitSkipsModel(t *testing.T) {
	store := newStore(t)
	_, err := store.Upsert("IofCompleteRequest", "cached markdown", 0x12058)
	require.NoError(t, err)

	fake := llm.NewFakeClient()
	s := New(fake, store, nil, 0)

	md, err := s.DescribeExternal(context.Background(), "IofCompleteRequest", 0x13000)
	require.NoError(t, err)
	require.Equal(t, "cached markdown", md)
	require.Zero(t, fake.Calls(), "cache hit must not reach the model")

	e, ok := store.Lookup("IofCompleteRequest")
	require.True(t, ok)
	require.Equal(t, []backend.Addr{0x12058, 0x13000}, e.IATAddresses)
}

func TestDescribeExternalMissGeneratesAndCaches(t *testing.T) {
	store := newStore(t)
	fake := llm.NewFakeClient()
	fake.MarkdownFn = func(phase, prompt string, input any) (string, error) {
		return "# IoCreateDevice\n\n## Definition\n...", nil
	}
	s := New(fake, store, nil, 0)

	md, err := s.DescribeExternal(context.Background(), "IoCreateDevice", 0x2000)
	require.NoError(t, err)
	require.Contains(t, md, "> IAT Address: 0x2000")
	require.Equal(t, 1, fake.Calls())

	_, ok := store.Lookup("IoCreateDevice")
	require.True(t, ok)
}

func TestDescribeInternalStructuredFlags(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`{"markdown":"# sub_15100\n\ncopies bytes","mem":true,"map":false}`), nil
	}
	s := New(fake, newStore(t), nil, 0)

	d, err := s.DescribeInternal(context.Background(),
		backend.FunctionRef{Address: 0x15100, Name: "sub_15100"}, "memcpy(a1, a2, n);")
	require.NoError(t, err)
	require.True(t, d.Mem)
	require.False(t, d.Map)
	require.True(t, d.Annotated())
	require.Contains(t, d.Markdown, "> Address: 0x15100")
}

func TestDescribeInternalSentinelFallback(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		// Not the requested shape: prose with an embedded sentinel.
		return json.RawMessage(`"# sub_1\n\nThis routine copies a buffer. # MEM #"`), nil
	}
	s := New(fake, newStore(t), nil, 0)

	d, err := s.DescribeInternal(context.Background(),
		backend.FunctionRef{Address: 0x1, Name: "sub_1"}, "code")
	require.NoError(t, err)
	require.True(t, d.Mem)
	require.False(t, d.Map)
}

func TestDescribeInternalMalformedSentinelIsAbsent(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`"description with a broken #MEM# marker"`), nil
	}
	s := New(fake, newStore(t), nil, 0)

	d, err := s.DescribeInternal(context.Background(),
		backend.FunctionRef{Address: 0x2, Name: "sub_2"}, "code")
	require.NoError(t, err)
	require.False(t, d.Annotated())
}

func TestResolveDispatchTarget(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`{"address":"0x11830","func_name":"sub_11830"}`), nil
	}
	s := New(fake, newStore(t), nil, 0)

	target, err := s.ResolveDispatchTarget(context.Background(),
		backend.FunctionRef{Address: 0x11170, Name: "sub_11170"}, "code")
	require.NoError(t, err)
	require.Equal(t, backend.Addr(0x11830), target.Address)
	require.Equal(t, "sub_11830", target.Name)
}

func TestResolveDispatchTargetMissing(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`{"address":"0x0","func_name":""}`), nil
	}
	s := New(fake, newStore(t), nil, 0)

	_, err := s.ResolveDispatchTarget(context.Background(),
		backend.FunctionRef{Address: 0x11170, Name: "sub_11170"}, "code")
	require.ErrorIs(t, err, ErrSummarizationFailed)
}

func TestExtractCalleesDedupes(t *testing.T) {
	fake := llm.NewFakeClient()
	fake.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		return json.RawMessage(`{"callees":[
			{"name":"sub_11B80","address":"0x11b80"},
			{"name":"IofCompleteRequest","address":"0x12058"},
			{"name":"sub_11B80","address":"0x11b80"}
		]}`), nil
	}
	s := New(fake, newStore(t), nil, 0)

	callees, err := s.ExtractCallees(context.Background(),
		backend.FunctionRef{Address: 0x11830, Name: "sub_11830"}, "code")
	require.NoError(t, err)
	require.Len(t, callees, 2)
	require.Equal(t, "sub_11B80", callees[0].Name)
}
