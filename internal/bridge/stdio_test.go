package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// stdioHarness plays the role of the child process on the other side of the
// pipes: it parses each request line the client writes and lets the test
// script responses byte by byte.
type stdioHarness struct {
	t      *testing.T
	client *StdioClient
	reqs   chan Request

	stdinW  *io.PipeWriter
	stdoutW *io.PipeWriter
}

func newStdioHarness(t *testing.T, opts ...StdioOption) *stdioHarness {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := &stdioHarness{
		t:       t,
		client:  NewStdioClient("test-server", stdinW, stdoutR, opts...),
		reqs:    make(chan Request, 16),
		stdinW:  stdinW,
		stdoutW: stdoutW,
	}

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			h.reqs <- req
		}
	}()

	t.Cleanup(func() {
		h.client.Close()
		stdinW.Close()
		stdoutW.Close()
	})
	return h
}

// nextRequest returns the next request line the client wrote.
func (h *stdioHarness) nextRequest() Request {
	h.t.Helper()
	select {
	case req := <-h.reqs:
		return req
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a request from the client")
		return Request{}
	}
}

// write sends raw bytes to the client's stdout.
func (h *stdioHarness) write(s string) {
	h.t.Helper()
	if _, err := h.stdoutW.Write([]byte(s)); err != nil {
		h.t.Fatalf("writing to client stdout: %v", err)
	}
}

// respond sends a complete result line for the given id.
func (h *stdioHarness) respond(id int64, result string) {
	h.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result))
}

func reqID(t *testing.T, req Request) int64 {
	t.Helper()
	require.NotNil(t, req.ID, "expected a call, got a notification (method %s)", req.Method)
	return *req.ID
}

func TestCallRoundTrip(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := h.nextRequest()
		assert.Equal(t, "ping", req.Method)
		h.respond(reqID(t, req), `{"pong":true}`)
	}()

	raw, err := h.client.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(raw))
	<-done
}

func TestResponseSplitAcrossReads(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := h.nextRequest()
		line := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"value":"split"}}`+"\n", reqID(t, req))

		// Deliver the line in three fragments with pauses, the way pipe
		// buffering chops output in practice.
		third := len(line) / 3
		h.write(line[:third])
		time.Sleep(10 * time.Millisecond)
		h.write(line[third : 2*third])
		time.Sleep(10 * time.Millisecond)
		h.write(line[2*third:])
	}()

	raw, err := h.client.Call(context.Background(), "slow/read", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"split"}`, string(raw))
	<-done
}

func TestMultipleResponsesInOneRead(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := h.nextRequest()
		id := reqID(t, req)
		// One write carrying a foreign message, the wanted response, and the
		// beginning of a future line.
		h.write(fmt.Sprintf(
			`{"jsonrpc":"2.0","method":"notifications/progress"}`+"\n"+
				`{"jsonrpc":"2.0","id":%d,"result":1}`+"\n"+
				`{"jsonrpc":"2.0",`, id))
	}()

	raw, err := h.client.Call(context.Background(), "count", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
	<-done
}

func TestStrayMessagesDiscarded(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := h.nextRequest()
		// Noise first: a stale response, a notification, a non-JSON line and a
		// blank line. None may be misattributed to the awaited call.
		h.respond(999, `"stale"`)
		h.write(`{"jsonrpc":"2.0","method":"notifications/message","params":{}}` + "\n")
		h.write("plain text log line\n")
		h.write("\n")
		h.respond(reqID(t, req), `"real"`)
	}()

	raw, err := h.client.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, `"real"`, string(raw))
	<-done
}

func TestCallIDsMonotonic(t *testing.T) {
	h := newStdioHarness(t)

	idCh := make(chan int64, 3)
	go func() {
		for i := 0; i < 3; i++ {
			req := h.nextRequest()
			id := reqID(t, req)
			idCh <- id
			h.respond(id, "null")
		}
	}()

	for i := 0; i < 3; i++ {
		_, err := h.client.Call(context.Background(), "noop", nil)
		require.NoError(t, err)
	}

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, <-idCh)
	}
	assert.Equal(t, []int64{0, 1, 2}, ids)
}

func TestCallTimeoutThenRecovery(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	h := newStdioHarness(t, WithCallTimeout(50*time.Millisecond))

	// First call gets no answer inside the timeout.
	reqCh := make(chan Request, 1)
	go func() { reqCh <- h.nextRequest() }()

	_, err := h.client.Call(context.Background(), "hang", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRPCTimeout)

	firstReq := <-reqCh
	firstID := reqID(t, firstReq)

	// The late answer arrives after the caller gave up, interleaved with the
	// second call. It must be discarded, not delivered to the next caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.respond(firstID, `"too late"`)
		req := h.nextRequest()
		assert.Greater(t, reqID(t, req), firstID, "timed out id must never be reused")
		h.respond(reqID(t, req), `"fresh"`)
	}()

	raw, err := h.client.Call(context.Background(), "retry", nil)
	require.NoError(t, err)
	assert.Equal(t, `"fresh"`, string(raw))
	<-done

	// Tearing down the client must release the reader goroutine even though a
	// call timed out mid-stream.
	h.client.Close()
	h.stdinW.Close()
	h.stdoutW.Close()
	goleak.VerifyNone(t, ignore)
}

func TestInitializeHandshake(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)

		req := h.nextRequest()
		assert.Equal(t, "initialize", req.Method)
		params, ok := req.Params.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "2024-11-05", params["protocolVersion"])

		h.respond(reqID(t, req), `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake-tools","version":"0.3.0"}}`)

		note := h.nextRequest()
		assert.Nil(t, note.ID)
		assert.Equal(t, "notifications/initialized", note.Method)
	}()

	info, err := h.client.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake-tools", info.Name)
	assert.Equal(t, "0.3.0", info.Version)
	<-done

	// The handshake happens once; later calls go straight to their method.
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		req := h.nextRequest()
		assert.Equal(t, "tools/list", req.Method)
		h.respond(reqID(t, req), `{"tools":[{"name":"search","description":"find things","inputSchema":{"type":"object"}}]}`)
	}()

	tools, err := h.client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	<-done2
}

func TestCallToolSendsArguments(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)

		init := h.nextRequest()
		h.respond(reqID(t, init), `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"1"}}`)
		h.nextRequest() // initialized notification

		req := h.nextRequest()
		assert.Equal(t, "tools/call", req.Method)
		params, ok := req.Params.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "search", params["name"])
		args, ok := params["arguments"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "golang", args["query"])

		h.respond(reqID(t, req), `{"content":[{"type":"text","text":"found"}]}`)
	}()

	raw, err := h.client.CallTool(context.Background(), "search", map[string]interface{}{"query": "golang"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "found")
	<-done
}

func TestConcurrentCallsDoNotInterleave(t *testing.T) {
	h := newStdioHarness(t)

	// The harness answers strictly one request at a time with a pause, so any
	// interleaving on the wire would pair a response with the wrong call.
	go func() {
		for i := 0; i < 2; i++ {
			req := h.nextRequest()
			time.Sleep(20 * time.Millisecond)
			h.respond(reqID(t, req), fmt.Sprintf(`"answer-to-%s"`, req.Method))
		}
	}()

	var wg sync.WaitGroup
	for _, method := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			raw, err := h.client.Call(context.Background(), method, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf(`"answer-to-%s"`, method), string(raw))
			}
		}(method)
	}
	wg.Wait()
}

func TestForwardRestoresCallerID(t *testing.T) {
	h := newStdioHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := h.nextRequest()
		assert.Equal(t, "tools/list", req.Method)
		// The wire must carry the client's own id space, not the caller's.
		assert.NotEqual(t, int64(4242), reqID(t, req))
		h.respond(reqID(t, req), `{"tools":[]}`)
	}()

	out, err := h.client.Forward(context.Background(), []byte(`{"jsonrpc":"2.0","id":4242,"method":"tools/list"}`))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(4242), *resp.ID)
	<-done
}

func TestForwardNotification(t *testing.T) {
	h := newStdioHarness(t)

	out, err := h.client.Forward(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/cancelled"}`))
	require.NoError(t, err)
	assert.Nil(t, out, "notifications produce no response")

	req := h.nextRequest()
	assert.Nil(t, req.ID)
	assert.Equal(t, "notifications/cancelled", req.Method)
}

func TestForwardMalformedRequest(t *testing.T) {
	h := newStdioHarness(t)

	_, err := h.client.Forward(context.Background(), []byte(`{not json`))
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, codeParseError, rpcErr.Code)
}

func TestCallAfterStdoutClosed(t *testing.T) {
	h := newStdioHarness(t)

	h.stdoutW.Close()

	_, err := h.client.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdout closed")
}
