package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"agentctl/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// sessionHeader carries the session identifier a remote endpoint may assign
// on the first exchange; it must be replayed on every subsequent call.
const sessionHeader = "Mcp-Session-Id"

// RemoteClient speaks the same JSON-RPC dialect as the stdio bridge, but to
// workloads that already expose their own HTTP endpoint. There is no process
// ownership and no wire mutex: each call is an independent POST and HTTP
// handles its own concurrency. Responses may arrive as plain JSON or as a
// single Server-Sent-Events frame; both are normalized to the same shape.
type RemoteClient struct {
	endpoint string
	client   *http.Client

	mu          sync.Mutex
	nextID      int64
	sessionID   string
	initialized bool
	serverInfo  mcp.Implementation
}

// RemoteOption customizes a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *RemoteClient) { c.client = client }
}

// NewRemoteClient creates a client for the given JSON-RPC endpoint URL.
func NewRemoteClient(endpoint string, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultCallTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RemoteClient) takeID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Call performs one JSON-RPC call and returns the raw result payload.
func (c *RemoteClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.takeID()

	resp, err := c.post(ctx, NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("remote %s: %s: %w", c.endpoint, method, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("remote %s: no response body for %s", c.endpoint, method)
	}
	if resp.ID == nil || *resp.ID != id {
		return nil, fmt.Errorf("remote %s: response id mismatch for %s", c.endpoint, method)
	}
	return resp.Unwrap()
}

// Notify sends a fire-and-forget notification; failures are swallowed.
func (c *RemoteClient) Notify(ctx context.Context, method string, params interface{}) {
	if _, err := c.post(ctx, NewNotification(method, params)); err != nil {
		logging.Debug("RemoteRPC", "%s: notification %s failed: %v", c.endpoint, method, err)
	}
}

// post sends one envelope and decodes the response, remembering any session
// id the remote hands back. A nil response with nil error means the remote
// accepted a notification without a body.
func (c *RemoteClient) post(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	c.mu.Lock()
	if c.sessionID != "" {
		httpReq.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.Unlock()

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if httpResp.StatusCode == http.StatusAccepted || httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	raw := body
	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err = extractSSEData(body)
		if err != nil {
			return nil, err
		}
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}

// extractSSEData concatenates the data lines of a single SSE frame.
func extractSSEData(frame []byte) ([]byte, error) {
	var dataLines []string
	scanner := bufio.NewScanner(bytes.NewReader(frame))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	if len(dataLines) == 0 {
		return nil, fmt.Errorf("event stream carried no data")
	}
	return []byte(strings.Join(dataLines, "\n")), nil
}

// ensureInitialized mirrors the stdio client's lazy handshake for symmetry.
func (c *RemoteClient) ensureInitialized(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    "agentctl",
			Version: "1.0.0",
		},
	}

	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("remote %s: malformed initialize result: %w", c.endpoint, err)
	}

	c.Notify(ctx, "notifications/initialized", nil)

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	logging.Info("RemoteRPC", "%s: initialized (server: %s %s)", c.endpoint, result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// Initialize performs the handshake eagerly and returns the remote's server
// identity.
func (c *RemoteClient) Initialize(ctx context.Context) (mcp.Implementation, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return mcp.Implementation{}, err
	}
	return c.ServerInfo(), nil
}

// ServerInfo returns the cached server identity from the handshake.
func (c *RemoteClient) ServerInfo() mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ListTools lists the tools the remote endpoint exposes.
func (c *RemoteClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	raw, err := c.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("remote %s: malformed tools/list result: %w", c.endpoint, err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool and returns the raw result payload.
func (c *RemoteClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return c.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
}
