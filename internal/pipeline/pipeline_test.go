package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivertriage/internal/backend"
	"drivertriage/internal/cache"
	"drivertriage/internal/llm"
	"drivertriage/internal/memory"
	"drivertriage/internal/summarize"
)

type fakeBackend struct {
	mu         sync.Mutex
	imports    []backend.Import
	xrefs      map[backend.Addr][]backend.Addr
	containing map[backend.Addr]backend.FunctionRef
	code       map[backend.Addr]string
	decompErr  map[backend.Addr]error
	renames    []string
	prototypes []string
}

func (f *fakeBackend) ListImports(context.Context) ([]backend.Import, error) {
	return f.imports, nil
}

func (f *fakeBackend) XrefsTo(_ context.Context, addr backend.Addr) ([]backend.Addr, error) {
	return f.xrefs[addr], nil
}

func (f *fakeBackend) FunctionContaining(_ context.Context, addr backend.Addr) (backend.FunctionRef, error) {
	fn, ok := f.containing[addr]
	if !ok {
		return backend.FunctionRef{}, backend.ErrNotFound
	}
	return fn, nil
}

func (f *fakeBackend) Decompile(_ context.Context, ref backend.FunctionRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.decompErr[ref.Address]; err != nil {
		return "", err
	}
	code, ok := f.code[ref.Address]
	if !ok {
		return "", backend.ErrNotFound
	}
	return code, nil
}

func (f *fakeBackend) RenameLocal(_ context.Context, ref backend.FunctionRef, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, fmt.Sprintf("%s:%s->%s", ref.Name, oldName, newName))
	return nil
}

func (f *fakeBackend) SetPrototype(_ context.Context, ref backend.FunctionRef, prototype string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prototypes = append(f.prototypes, prototype)
	return nil
}

const (
	addrEntry   backend.Addr = 0x100
	addrMemcpy  backend.Addr = 0x110
	addrCaller  backend.Addr = 0x1000
	addrHandler backend.Addr = 0x5000
	addrSub     backend.Addr = 0x3000
)

func triageBackend() *fakeBackend {
	caller := backend.FunctionRef{Address: addrCaller, Name: "DriverEntry"}
	return &fakeBackend{
		imports: []backend.Import{
			{Name: "IoCreateDevice", Address: addrEntry},
			{Name: "RtlCopyMemory", Address: addrMemcpy},
		},
		// Two xrefs inside the same function prove caller deduplication.
		xrefs: map[backend.Addr][]backend.Addr{
			addrEntry: {0x1005, 0x1006},
		},
		containing: map[backend.Addr]backend.FunctionRef{
			0x1005: caller,
			0x1006: caller,
		},
		code: map[backend.Addr]string{
			addrCaller:  "DriverObject->MajorFunction[14] = DispatchDeviceControl;\nIoCreateDevice(...);",
			addrHandler: "v5 = Irp->Parameters.DeviceIoControl.IoControlCode;\nsub_3000(dst, Irp->AssociatedIrp.SystemBuffer, len);",
			addrSub:     "memcpy(a1, a2, a3);",
		},
		decompErr: map[backend.Addr]error{},
	}
}

func triageScript(fc *llm.FakeClient) {
	fc.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		in, _ := input.(map[string]any)
		switch phase {
		case "resolve-dispatch":
			return json.RawMessage(`{"address":"0x5000","func_name":"DispatchDeviceControl"}`), nil
		case "list-subfunctions":
			return json.RawMessage(`{"callees":[{"name":"RtlCopyMemory","address":"0x110"},{"name":"sub_3000","address":"0x3000"}]}`), nil
		case "describe-internal":
			return json.RawMessage(`{"markdown":"Copies the user buffer into a pool allocation.","mem":true,"map":false}`), nil
		case "ioctl-local":
			return json.RawMessage(`{"local":"v5"}`), nil
		case "mem-params":
			ref, _ := in["function"].(backend.FunctionRef)
			switch ref.Name {
			case "DispatchDeviceControl":
				return json.RawMessage(`{"function":{"name":"DispatchDeviceControl","address":"0x5000"},"has_memory_address_param":true,"memory_parameters":[{"param":"Irp","operation":"write","description":"caller-controlled destination","evidence":"sub_3000(dst, Irp->AssociatedIrp.SystemBuffer, len)"}]}`), nil
			case "sub_3000":
				return json.RawMessage(`{"function":{"name":"sub_3000","address":"0x3000"},"has_memory_address_param":true,"memory_parameters":[{"param":"a1","operation":"copy","description":"destination of the copy","evidence":"memcpy(a1, a2, a3)"}]}`), nil
			}
			return json.RawMessage(`{"function":{"name":"x","address":"0x0"},"has_memory_address_param":false,"memory_parameters":[]}`), nil
		case "mem-flow":
			return json.RawMessage(`{"paths":[{"hops":[{"function":{"func_name":"DispatchDeviceControl","address":"0x5000"},"parameter":"Irp"}],"operation":"write","evidence":"sub_3000(dst, Irp->AssociatedIrp.SystemBuffer, len)"}],"note":""}`), nil
		}
		return nil, fmt.Errorf("unexpected phase %q", phase)
	}
}

func newTestPipeline(t *testing.T, fb *fakeBackend, fc *llm.FakeClient, opts Options) *Pipeline {
	t.Helper()
	logger := log.New(io.Discard)
	store, err := cache.Open(filepath.Join(t.TempDir(), "external.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	params := memory.NewParamAnalyzer(fc, logger, 0)
	return &Pipeline{
		Backend:    fb,
		Summarizer: summarize.New(fc, store, logger, 0),
		Params:     params,
		Flows:      memory.NewFlowAnalyzer(fc, params, fb, logger, 0),
		Recorder:   llm.NewRecorder(),
		Logger:     logger,
		Opts:       opts,
	}
}

func TestRunEndToEnd(t *testing.T) {
	fb := triageBackend()
	fc := llm.NewFakeClient()
	triageScript(fc)
	p := newTestPipeline(t, fb, fc, Options{Workers: 2, Housekeeping: true})

	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Targets, 1, "two xrefs in one function collapse to one caller")

	target := doc.Targets[0]
	assert.True(t, target.Resolved)
	assert.Equal(t, "DriverEntry", target.Caller.Name)
	assert.Equal(t, "DispatchDeviceControl", target.Handler.Name)
	assert.Equal(t, addrHandler, target.Handler.Address)

	require.Len(t, target.Subs, 2)
	assert.Equal(t, "RtlCopyMemory", target.Subs[0].Name)
	assert.Equal(t, "external", target.Subs[0].Kind)
	assert.Contains(t, target.Subs[0].Body, "> IAT Address: 0x110")
	assert.Equal(t, "sub_3000", target.Subs[1].Name)
	assert.Equal(t, "internal", target.Subs[1].Kind)
	assert.Contains(t, target.Subs[1].Body, "Copies the user buffer")

	// mem=true on the internal description triggers the nested analysis.
	assert.Contains(t, target.Subs[1].MemFindings, "a1")
	assert.Empty(t, target.Subs[0].MemFindings)

	assert.Contains(t, target.MemParams, "| Irp | write |")
	assert.Contains(t, target.MemFlows, "DispatchDeviceControl(Irp)")

	assert.Contains(t, fb.renames, "DispatchDeviceControl:v5->IoControlCode")
	require.Len(t, fb.prototypes, 1)
	assert.Equal(t, "NTSTATUS DispatchDeviceControl(PDEVICE_OBJECT DeviceObject, PIRP Irp)", fb.prototypes[0])

	assert.NotEmpty(t, doc.Deep)
	assert.NotEmpty(t, p.Recorder.Transcripts())

	rendered := doc.Render()
	assert.Contains(t, rendered, "# IoCreateDevice dispatch analysis report")
	assert.Contains(t, rendered, "## Caller: DriverEntry")
	assert.Contains(t, rendered, "#### RtlCopyMemory (external)")
	assert.Contains(t, rendered, "### Handler memory flow analysis")
}

func TestRunEntryNotFound(t *testing.T) {
	fb := triageBackend()
	fb.imports = []backend.Import{{Name: "ZwClose", Address: 0x200}}
	fc := llm.NewFakeClient()
	p := newTestPipeline(t, fb, fc, Options{Workers: 1})

	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Targets)
	assert.Contains(t, doc.Note, "IoCreateDevice")
	assert.Zero(t, fc.Calls(), "no model call without an entry point")
}

func TestRunOrderIsDeterministic(t *testing.T) {
	callers := []backend.FunctionRef{
		{Address: 0x1000, Name: "FUN_1000"},
		{Address: 0x2000, Name: "FUN_2000"},
		{Address: 0x3000, Name: "FUN_3000"},
	}
	fb := &fakeBackend{
		imports:    []backend.Import{{Name: "IoCreateDevice", Address: addrEntry}},
		xrefs:      map[backend.Addr][]backend.Addr{addrEntry: {0x1001, 0x2001, 0x3001}},
		containing: map[backend.Addr]backend.FunctionRef{},
		code:       map[backend.Addr]string{},
		decompErr:  map[backend.Addr]error{},
	}
	for i, c := range callers {
		fb.containing[c.Address+1] = callers[i]
		fb.code[c.Address] = "IoCreateDevice(...);"
		fb.code[c.Address+0x500] = "return 0;"
	}

	fc := llm.NewFakeClient()
	fc.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		in, _ := input.(map[string]any)
		switch phase {
		case "resolve-dispatch":
			caller, _ := in["caller"].(backend.FunctionRef)
			return json.RawMessage(fmt.Sprintf(
				`{"address":"0x%x","func_name":"Handler_%s"}`, uint64(caller.Address)+0x500, caller.Name)), nil
		case "list-subfunctions":
			return json.RawMessage(`{"callees":[]}`), nil
		case "mem-params":
			return json.RawMessage(`{"function":{"name":"x","address":"0x0"},"has_memory_address_param":false,"memory_parameters":[]}`), nil
		case "mem-flow":
			return json.RawMessage(`{"paths":[],"note":"nothing traced"}`), nil
		}
		return nil, fmt.Errorf("unexpected phase %q", phase)
	}
	p := newTestPipeline(t, fb, fc, Options{Workers: 4})

	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Targets, 3)
	for i, c := range callers {
		assert.Equal(t, c.Name, doc.Targets[i].Caller.Name)
		assert.Equal(t, "Handler_"+c.Name, doc.Targets[i].Handler.Name)
	}
}

func TestRunSubfunctionDecompileFailureIsPlaceholder(t *testing.T) {
	fb := triageBackend()
	fb.decompErr[addrSub] = backend.ErrDecompilationFailed
	fc := llm.NewFakeClient()
	triageScript(fc)
	p := newTestPipeline(t, fb, fc, Options{Workers: 1})

	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Targets, 1)
	require.Len(t, doc.Targets[0].Subs, 2)

	broken := doc.Targets[0].Subs[1]
	assert.Equal(t, "sub_3000", broken.Name)
	assert.Contains(t, broken.Body, "description unavailable")
	assert.Empty(t, broken.MemFindings)

	// The sibling subfunction is untouched by the failure.
	assert.Contains(t, doc.Targets[0].Subs[0].Body, "> IAT Address: 0x110")
}

func TestRunDescribeFailureIsPlaceholder(t *testing.T) {
	t.Run("internal description error", func(t *testing.T) {
		fb := triageBackend()
		fc := llm.NewFakeClient()
		triageScript(fc)
		jsonFn := fc.JSONFn
		fc.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
			if phase == "describe-internal" {
				return nil, errors.New("model overloaded")
			}
			return jsonFn(phase, prompt, input)
		}
		p := newTestPipeline(t, fb, fc, Options{Workers: 1})

		doc, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, doc.Targets, 1)
		require.Len(t, doc.Targets[0].Subs, 2)
		assert.Contains(t, doc.Targets[0].Subs[1].Body, "description unavailable")
		assert.Empty(t, doc.Targets[0].Subs[1].MemFindings)
		assert.Contains(t, doc.Targets[0].Subs[0].Body, "> IAT Address: 0x110")
	})

	t.Run("external description error", func(t *testing.T) {
		fb := triageBackend()
		fc := llm.NewFakeClient()
		triageScript(fc)
		fc.MarkdownFn = func(phase, prompt string, input any) (string, error) {
			if phase == "describe-external" {
				return "", errors.New("model overloaded")
			}
			return "fake markdown for " + phase, nil
		}
		p := newTestPipeline(t, fb, fc, Options{Workers: 1})

		doc, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, doc.Targets, 1)
		require.Len(t, doc.Targets[0].Subs, 2)
		assert.Contains(t, doc.Targets[0].Subs[0].Body, "description unavailable")
		assert.Contains(t, doc.Targets[0].Subs[1].Body, "Copies the user buffer")
	})
}

func TestRunUnresolvedDispatchIsPlaceholder(t *testing.T) {
	fb := triageBackend()
	fc := llm.NewFakeClient()
	triageScript(fc)
	jsonFn := fc.JSONFn
	fc.JSONFn = func(phase, prompt string, input any) (json.RawMessage, error) {
		if phase == "resolve-dispatch" {
			return json.RawMessage(`{"address":"0x0","func_name":""}`), nil
		}
		return jsonFn(phase, prompt, input)
	}
	p := newTestPipeline(t, fb, fc, Options{Workers: 1})

	doc, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Targets, 1)
	assert.False(t, doc.Targets[0].Resolved)
	assert.Contains(t, doc.Targets[0].Resolution, "could not be resolved")
	assert.Contains(t, doc.Render(), "could not be resolved")
}

func TestRunBackendUnavailableIsFatal(t *testing.T) {
	fb := triageBackend()
	fb.decompErr[addrCaller] = fmt.Errorf("dial: %w", backend.ErrBackendUnavailable)
	fc := llm.NewFakeClient()
	triageScript(fc)
	p := newTestPipeline(t, fb, fc, Options{Workers: 1})

	doc, err := p.Run(context.Background())
	require.ErrorIs(t, err, backend.ErrBackendUnavailable)
	assert.Nil(t, doc)
}

func TestDiscoverReturnsEnclosingFunctionStart(t *testing.T) {
	fb := &fakeBackend{
		imports:    []backend.Import{{Name: "IoCreateDevice", Address: addrEntry}},
		xrefs:      map[backend.Addr][]backend.Addr{addrEntry: {0x11209}},
		containing: map[backend.Addr]backend.FunctionRef{0x11209: {Address: 0x11170, Name: "sub_11170"}},
		code:       map[backend.Addr]string{},
		decompErr:  map[backend.Addr]error{},
	}
	p := newTestPipeline(t, fb, llm.NewFakeClient(), Options{Workers: 1})

	callers, err := p.DiscoverEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, callers, 1)
	// The caller is identified by its function start address, not by the
	// call-site address the xref points at.
	assert.Equal(t, backend.FunctionRef{Address: 0x11170, Name: "sub_11170"}, callers[0])
}

func TestClassify(t *testing.T) {
	importSet := map[backend.Addr]string{
		0x110: "RtlCopyMemory",
		0x118: "MmMapIoSpace",
	}
	callees := []summarize.Callee{
		{Name: "RtlCopyMemory", Address: 0x110},
		{Name: "sub_4000", Address: 0x4000},
		{Name: "MmMapIoSpace", Address: 0x118},
	}

	got := Classify(callees, importSet)
	require.Len(t, got, 3)
	assert.Equal(t, "external", got[0].Kind)
	assert.Equal(t, "internal", got[1].Kind)
	assert.Equal(t, "external", got[2].Kind)
}

func TestSubfunctionsEntrypoint(t *testing.T) {
	fb := triageBackend()
	fc := llm.NewFakeClient()
	triageScript(fc)
	p := newTestPipeline(t, fb, fc, Options{Workers: 1})

	entries, err := p.Subfunctions(context.Background(), backend.FunctionRef{Address: addrHandler, Name: "DispatchDeviceControl"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, SubfunctionEntry{Address: addrMemcpy, Name: "RtlCopyMemory", Kind: "external"}, entries[0])
	assert.Equal(t, SubfunctionEntry{Address: addrSub, Name: "sub_3000", Kind: "internal"}, entries[1])
}
