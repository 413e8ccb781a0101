package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"agentctl/pkg/logging"
)

const (
	proxyBindRetries    = 3
	proxyBindRetryDelay = 1 * time.Second
)

// Proxy exposes a bridged stdio workload over HTTP, so callers get a uniform
// interface whether or not the target workload speaks HTTP natively. It
// accepts one JSON-RPC request object per POST on /mcp (and /) and funnels
// it through the stdio client's per-process mutex.
type Proxy struct {
	client *StdioClient
	port   int
	server *http.Server
}

// NewProxy wraps the stdio client with an HTTP front on the given port.
func NewProxy(client *StdioClient, port int) *Proxy {
	return &Proxy{client: client, port: port}
}

// Port returns the port the proxy listens on.
func (p *Proxy) Port() int {
	return p.port
}

// Start binds the listener and serves in the background. The chosen port may
// be momentarily still-occupied by a just-killed prior instance, so the bind
// is retried before surfacing failure.
func (p *Proxy) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleRPC)
	mux.HandleFunc("/mcp", p.handleRPC)

	addr := fmt.Sprintf("127.0.0.1:%d", p.port)

	var ln net.Listener
	var err error
	for attempt := 1; attempt <= proxyBindRetries; attempt++ {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		logging.Warn("BridgeProxy", "Bind on %s failed (attempt %d/%d): %v", addr, attempt, proxyBindRetries, err)
		if attempt < proxyBindRetries {
			time.Sleep(proxyBindRetryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to bind bridge proxy on %s: %w", addr, err)
	}

	p.server = &http.Server{Handler: mux}
	go func() {
		if serveErr := p.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logging.Error("BridgeProxy", serveErr, "Proxy server error on %s", addr)
		}
	}()

	logging.Info("BridgeProxy", "Serving stdio bridge on http://%s/mcp", addr)
	return nil
}

// Shutdown stops the HTTP front. The stdio client and process are owned by
// the supervisor and are torn down separately.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

func (p *Proxy) handleRPC(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeErrorEnvelope(w, fmt.Errorf("reading request body: %w", err))
		return
	}

	out, err := p.client.Forward(r.Context(), body)
	if err != nil {
		p.writeErrorEnvelope(w, err)
		return
	}
	if out == nil {
		// Notification: nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		logging.Debug("BridgeProxy", "Failed to write response: %v", err)
	}
}

// writeErrorEnvelope maps an internal failure to a 500 carrying a JSON-RPC
// error envelope, so HTTP callers always get the same response shape.
func (p *Proxy) writeErrorEnvelope(w http.ResponseWriter, cause error) {
	rpcErr, ok := cause.(*RPCError)
	if !ok {
		rpcErr = &RPCError{Code: codeInternalError, Message: cause.Error()}
	}
	envelope := Response{JSONRPC: jsonrpcVersion, Error: rpcErr}

	payload, err := json.Marshal(envelope)
	if err != nil {
		http.Error(w, cause.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write(payload)
}

func writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodPost, http.MethodOptions}, ", "))
	h.Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
}
