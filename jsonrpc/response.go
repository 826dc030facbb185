package jsonrpc

// Response represents a JSON-RPC response object. Exactly one of Result
// and Error is set.
type Response struct {
	JsonRpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      ID          `json:"id"`
}

// NewResponse creates a new Response object carrying the given identifier.
func NewResponse(id interface{}, result interface{}, err *Error) Response {
	respID, _ := NewID(id)
	return Response{
		JsonRpc: Version,
		ID:      respID,
		Result:  result,
		Error:   err,
	}
}
