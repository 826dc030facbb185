package jsonrpc

import "encoding/json"

// Version is the JSON-RPC protocol version spoken on every channel.
const Version = "2.0"

// Request represents a JSON-RPC request object.
type Request struct {
	JsonRpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// NewRequest creates a new Request object.
func NewRequest(method string, params json.RawMessage, id interface{}) Request {
	reqID, _ := NewID(id)
	return Request{
		JsonRpc: Version,
		Method:  method,
		Params:  params,
		ID:      reqID,
	}
}
