package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"agentctl/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision this client announces.
const protocolVersion = "2024-11-05"

// defaultCallTimeout bounds a single call when no override is given.
const defaultCallTimeout = 30 * time.Second

const readChunkSize = 4096

// initializeParams is the payload of the one-time initialize exchange.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

// callToolParams is the payload of a tools/call request.
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// readChunk carries one stdout read from the reader goroutine.
type readChunk struct {
	data []byte
	err  error
}

// StdioClient speaks newline-delimited JSON-RPC over a child process's
// standard streams. The underlying process has exactly one stdin/stdout
// pair, so whole calls are serialized through a mutex: a new caller waits
// for the prior call to fully complete, success or failure, before its
// request line is written.
type StdioClient struct {
	name  string
	stdin io.Writer

	timeout time.Duration

	// mu guards everything below and serializes calls on the wire.
	mu      sync.Mutex
	nextID  int64
	pending []byte // unconsumed stdout remainder; survives timeouts
	readErr error

	initialized bool
	serverInfo  mcp.Implementation

	readCh    chan readChunk
	done      chan struct{}
	closeOnce sync.Once
}

// StdioOption customizes a StdioClient.
type StdioOption func(*StdioClient)

// WithCallTimeout overrides the per-call response timeout.
func WithCallTimeout(d time.Duration) StdioOption {
	return func(c *StdioClient) { c.timeout = d }
}

// NewStdioClient wraps the given process streams. The client takes over all
// reading from stdout; nothing else may consume it.
func NewStdioClient(name string, stdin io.Writer, stdout io.Reader, opts ...StdioOption) *StdioClient {
	c := &StdioClient{
		name:    name,
		stdin:   stdin,
		timeout: defaultCallTimeout,
		readCh:  make(chan readChunk, 16),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(stdout)
	return c
}

// Close releases the reader goroutine. It does not touch the process; that
// is the owner's job.
func (c *StdioClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readLoop pumps stdout into readCh in arbitrary chunks. Process stdout
// delivery is chunked arbitrarily, so a JSON object may straddle reads; the
// consumer reassembles lines from the chunks.
func (c *StdioClient) readLoop(stdout io.Reader) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := stdout.Read(buf)
		chunk := readChunk{err: err}
		if n > 0 {
			chunk.data = buf[:n]
		}
		select {
		case c.readCh <- chunk:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Call performs one JSON-RPC call and returns the raw result payload.
func (c *StdioClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, method, params)
}

func (c *StdioClient) callLocked(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	// Ids are monotonically increasing for the life of the process and never
	// reused, so a stale line left in the buffer can never be misattributed
	// to a later call.
	id := c.nextID
	c.nextID++

	if err := c.writeLocked(NewRequest(id, method, params)); err != nil {
		return nil, fmt.Errorf("%s: writing %s request: %w", c.name, method, err)
	}

	resp, err := c.awaitLocked(ctx, id, method)
	if err != nil {
		return nil, err
	}
	return resp.Unwrap()
}

// Notify sends a fire-and-forget notification.
func (c *StdioClient) Notify(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(NewNotification(method, params))
}

// writeLocked writes one envelope as a full line plus flush.
func (c *StdioClient) writeLocked(req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = c.stdin.Write(payload)
	return err
}

// awaitLocked reads stdout until a response with the awaited id arrives, the
// timeout fires, or the context is canceled. Lines with a different id are
// notifications or stale responses and are silently discarded. On timeout
// the unconsumed buffer is left intact for subsequent calls, and the reader
// goroutine keeps its place, so nothing leaks or double-delivers.
func (c *StdioClient) awaitLocked(ctx context.Context, id int64, method string) (*Response, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		for {
			idx := bytes.IndexByte(c.pending, '\n')
			if idx < 0 {
				break
			}
			line := bytes.TrimSpace(c.pending[:idx])
			c.pending = c.pending[idx+1:]

			if len(line) == 0 {
				continue
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				logging.Warn("Bridge", "%s: ignoring non-JSON line on stdout: %.120q", c.name, line)
				continue
			}
			if resp.ID == nil || *resp.ID != id {
				logging.Debug("Bridge", "%s: discarding message while awaiting id %d (method %s)", c.name, id, method)
				continue
			}
			return &resp, nil
		}

		if c.readErr != nil {
			return nil, fmt.Errorf("%s: stdout closed while awaiting %s response: %w", c.name, method, c.readErr)
		}

		select {
		case chunk := <-c.readCh:
			if len(chunk.data) > 0 {
				c.pending = append(c.pending, chunk.data...)
			}
			if chunk.err != nil {
				c.readErr = chunk.err
			}
		case <-timer.C:
			return nil, fmt.Errorf("%s: no response to %s within %s: %w", c.name, method, c.timeout, ErrRPCTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ensureInitializedLocked performs the one-time initialize exchange followed
// by the initialized notification. Functional calls trigger it transparently.
func (c *StdioClient) ensureInitializedLocked(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    "agentctl",
			Version: "1.0.0",
		},
	}

	raw, err := c.callLocked(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("%s: initialize failed: %w", c.name, err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%s: malformed initialize result: %w", c.name, err)
	}
	c.serverInfo = result.ServerInfo

	// The peer expects no response to this; failures are swallowed.
	if err := c.writeLocked(NewNotification("notifications/initialized", nil)); err != nil {
		logging.Debug("Bridge", "%s: initialized notification failed: %v", c.name, err)
	}

	c.initialized = true
	logging.Info("Bridge", "%s: initialized (server: %s %s)", c.name, result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// Initialize performs the handshake eagerly and returns the remote's server
// identity.
func (c *StdioClient) Initialize(ctx context.Context) (mcp.Implementation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureInitializedLocked(ctx); err != nil {
		return mcp.Implementation{}, err
	}
	return c.serverInfo, nil
}

// ServerInfo returns the cached server identity from the handshake.
func (c *StdioClient) ServerInfo() mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ListTools lists the tools the process exposes.
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureInitializedLocked(ctx); err != nil {
		return nil, err
	}
	raw, err := c.callLocked(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%s: malformed tools/list result: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool and returns the raw result payload.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureInitializedLocked(ctx); err != nil {
		return nil, err
	}
	return c.callLocked(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
}

// Forward passes a raw JSON-RPC envelope from an HTTP caller through the
// same per-process serialization as native calls. The wire uses this
// client's own id space; the caller's id is restored on the response. A nil
// return with nil error means the envelope was a notification and no
// response is due.
func (c *StdioClient) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	var env struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &RPCError{Code: codeParseError, Message: fmt.Sprintf("malformed request: %v", err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var params interface{}
	if len(env.Params) > 0 {
		params = json.RawMessage(env.Params)
	}

	if env.ID == nil {
		if err := c.writeLocked(NewNotification(env.Method, params)); err != nil {
			return nil, fmt.Errorf("%s: forwarding notification: %w", c.name, err)
		}
		return nil, nil
	}

	id := c.nextID
	c.nextID++
	if err := c.writeLocked(Request{JSONRPC: jsonrpcVersion, ID: &id, Method: env.Method, Params: params}); err != nil {
		return nil, fmt.Errorf("%s: forwarding %s request: %w", c.name, env.Method, err)
	}

	resp, err := c.awaitLocked(ctx, id, env.Method)
	if err != nil {
		return nil, err
	}
	resp.ID = env.ID
	return json.Marshal(resp)
}
