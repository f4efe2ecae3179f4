package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport carries one JSON-RPC 2.0 request/response pair to the analysis
// backend. Implementations are sequential: a call finishes before the next
// one starts.
type Transport interface {
	Call(ctx context.Context, method string, params any, result any) error
	Close() error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("backend rpc %d: %s", e.Code, e.Message)
}

// Backend-defined application error codes.
const (
	codeNotFound        = -32001
	codeDecompileFailed = -32002
)

// mapRPCError converts an application-level backend error into the taxonomy
// the rest of the pipeline branches on.
func mapRPCError(e *rpcError) error {
	switch e.Code {
	case codeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
	case codeDecompileFailed:
		return fmt.Errorf("%w: %s", ErrDecompilationFailed, e.Message)
	default:
		return e
	}
}
