// Package backend is a typed facade over the binary-analysis engine. It
// exposes the handful of structural queries the pipeline needs (imports,
// xrefs, containing function, decompilation) over a JSON-RPC transport and
// hides the hex-string address encoding of the wire protocol.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

const decompileMemoSize = 256

// Options selects and configures the transport.
type Options struct {
	// ExePath/ServerPath spawn the backend as a child process.
	ExePath    string
	ServerPath string
	// URL attaches to a running backend over websocket instead.
	URL string
	// Timeout bounds every individual backend call. Zero means no bound.
	Timeout time.Duration
	Logger  *log.Logger
}

// Client is the Binary Analysis Client. Safe for concurrent use; calls are
// serialized by the underlying transport.
type Client struct {
	tr      Transport
	timeout time.Duration
	logger  *log.Logger
	decomp  *lru.Cache[Addr, string]
}

// Dial builds a Client from Options, preferring the websocket URL when set.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	var (
		tr  Transport
		err error
	)
	switch {
	case opts.URL != "":
		tr, err = dialWS(ctx, opts.URL)
	case opts.ExePath != "":
		tr, err = startStdio(opts.ExePath, opts.ServerPath)
	default:
		return nil, fmt.Errorf("%w: no backend configured", ErrBackendUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(tr, opts.Timeout, opts.Logger), nil
}

// NewClient wraps an existing transport. Used directly by tests.
func NewClient(tr Transport, timeout time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	memo, _ := lru.New[Addr, string](decompileMemoSize)
	return &Client{tr: tr, timeout: timeout, logger: logger, decomp: memo}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.tr.Call(ctx, method, params, result)
}

// ListImports returns every imported symbol in backend-defined order.
func (c *Client) ListImports(ctx context.Context) ([]Import, error) {
	var out []Import
	if err := c.call(ctx, "list_imports", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// XrefsTo returns the call sites referencing addr. An empty slice is a valid
// result: the symbol is simply unreferenced.
func (c *Client) XrefsTo(ctx context.Context, addr Addr) ([]Addr, error) {
	params := map[string]Addr{"address": addr}
	var out []Addr
	if err := c.call(ctx, "get_xrefs_to", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FunctionContaining resolves an in-function address to its enclosing
// routine. Addresses outside any recognized function yield ErrNotFound.
func (c *Client) FunctionContaining(ctx context.Context, addr Addr) (FunctionRef, error) {
	params := map[string]Addr{"address": addr}
	var out FunctionRef
	if err := c.call(ctx, "get_func_containing", params, &out); err != nil {
		return FunctionRef{}, err
	}
	return out, nil
}

// Decompile returns pseudocode for ref. Results are memoized per address for
// the lifetime of the client, so describing a subfunction and later tracing
// memory flows through it costs one backend round trip.
func (c *Client) Decompile(ctx context.Context, ref FunctionRef) (string, error) {
	if code, ok := c.decomp.Get(ref.Address); ok {
		return code, nil
	}
	params := map[string]any{"address": ref.Address, "func_name": ref.Name}
	var out struct {
		Pseudocode string `json:"pseudocode"`
	}
	if err := c.call(ctx, "decompile_function", params, &out); err != nil {
		return "", err
	}
	if out.Pseudocode == "" {
		return "", fmt.Errorf("%w: empty pseudocode for %s", ErrDecompilationFailed, ref)
	}
	c.decomp.Add(ref.Address, out.Pseudocode)
	return out.Pseudocode, nil
}

// RenameLocal renames a local variable inside ref. Best-effort housekeeping;
// callers treat failures as notes, not errors.
func (c *Client) RenameLocal(ctx context.Context, ref FunctionRef, oldName, newName string) error {
	params := map[string]any{
		"address":  ref.Address,
		"old_name": oldName,
		"new_name": newName,
	}
	return c.call(ctx, "rename_local_variable", params, nil)
}

// SetPrototype applies a C prototype to ref.
func (c *Client) SetPrototype(ctx context.Context, ref FunctionRef, prototype string) error {
	params := map[string]any{"address": ref.Address, "prototype": prototype}
	return c.call(ctx, "set_function_prototype", params, nil)
}

func (c *Client) Close() error { return c.tr.Close() }
