package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport attaches to an already-running backend over a websocket, for
// setups where the analysis session outlives any single triage run.
type wsTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

func dialWS(ctx context.Context, url string) (*wsTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Call(ctx context.Context, method string, params any, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: t.nextID, Method: method, Params: params}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	t.conn.SetReadDeadline(deadline)
	var resp rpcResponse
	if err := t.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%w: response id %d for request %d", ErrBackendUnavailable, resp.ID, req.ID)
	}
	if resp.Error != nil {
		return mapRPCError(resp.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: bad result: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
