// Package dispatch sends JSON-RPC requests to the endpoint fleet with
// bounded timeouts, capped exponential backoff between retries, and
// automatic endpoint rotation on classified failures.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the protocol version carried on every envelope.
const JSONRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request envelope for method with raw params.
func NewRequest(id interface{}, method string, params json.RawMessage) Request {
	return Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	// Endpoint is the URL that served this response. Not part of the
	// wire envelope.
	Endpoint string `json:"-"`
}

// RPCError is a JSON-RPC 2.0 error object. When returned by an endpoint
// for a well-formed request it is an application-level error: it is
// relayed to the caller unchanged and does not affect endpoint health.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}
