// Package rpc implements newline-delimited JSON-RPC 2.0 over a child
// process's stdio. The client side only: requests go out on stdin, responses
// and server notifications come back on stdout, one JSON object per line.
package rpc

import "encoding/json"

// Request represents an outgoing JSON-RPC request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents an incoming JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether the message is a server-initiated
// notification rather than a reply to one of our requests.
func (r *Response) IsNotification() bool {
	return r.ID == nil && r.Method != ""
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Notification is a server-initiated message delivered to the consumer.
type Notification struct {
	Method string
	Params json.RawMessage
}
