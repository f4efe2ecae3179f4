package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// stdioTransport spawns the backend as a child process and speaks
// newline-delimited JSON-RPC over its stdin/stdout. This is the default
// transport: the config names the backend interpreter and its server script.
type stdioTransport struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int64
	closed bool
}

// startStdio launches "exe server" and waits for nothing: the first Call is
// the readiness probe.
func startStdio(exe, server string) (*stdioTransport, error) {
	cmd := exec.Command(exe, server)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrBackendUnavailable, exe, err)
	}
	return &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: transport closed", ErrBackendUnavailable)
	}
	t.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: t.nextID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	type readResult struct {
		line []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		if _, err := t.stdin.Write(payload); err != nil {
			done <- readResult{err: err}
			return
		}
		line, err := t.reader.ReadBytes('\n')
		done <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		// The stream is now desynchronized; kill the child so the next call
		// fails fast instead of reading a stale response.
		t.closeLocked()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
	case rr := <-done:
		if rr.err != nil {
			t.closeLocked()
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, rr.err)
		}
		return decodeResponse(rr.line, req.ID, result)
	}
}

func decodeResponse(line []byte, id int64, result any) error {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("%w: bad response: %v", ErrBackendUnavailable, err)
	}
	if resp.ID != id {
		return fmt.Errorf("%w: response id %d for request %d", ErrBackendUnavailable, resp.ID, id)
	}
	if resp.Error != nil {
		return mapRPCError(resp.Error)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *stdioTransport) closeLocked() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.stdin.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}
