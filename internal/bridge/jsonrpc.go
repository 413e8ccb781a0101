package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// jsonrpcVersion is the protocol version stamped on every envelope.
const jsonrpcVersion = "2.0"

// JSON-RPC error codes used by the bridge itself.
const (
	codeParseError    = -32700
	codeInternalError = -32603
)

// ErrRPCTimeout is returned when no matching response arrives within the
// call timeout. The underlying process is left alone; the caller may retry.
var ErrRPCTimeout = errors.New("timed out waiting for rpc response")

// Request is an outbound JSON-RPC envelope. Notifications carry a nil ID and
// expect no response.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewRequest builds a call envelope with the given correlation id.
func NewRequest(id int64, method string, params interface{}) Request {
	return Request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}
}

// NewNotification builds a fire-and-forget envelope without an id.
func NewNotification(method string, params interface{}) Request {
	return Request{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is an inbound JSON-RPC envelope. Exactly one of Result and Error
// is populated on a well-formed response; Unwrap decodes the union
// explicitly instead of having call sites probe for the fields.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Unwrap returns the raw result payload, or the remote error if the response
// carries one.
func (r *Response) Unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}
