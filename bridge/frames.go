package bridge

import "encoding/json"

// peerRequest is the frame sent to the plugin over the socket. Its
// identifier comes from the correlator's internal counter and never from
// the upstream client.
type peerRequest struct {
	JsonRpc   string                 `json:"jsonrpc"`
	ID        uint64                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// peerMessage is any inbound frame from the plugin: a pong, or a response
// carrying the identifier of the request it answers.
type peerMessage struct {
	Type   string          `json:"type,omitempty"`
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *peerError      `json:"error,omitempty"`
}

type peerError struct {
	Message string `json:"message"`
}

// pingFrame is sent each liveness sweep; the plugin answers with
// {"type":"pong"}.
type pingFrame struct {
	Type string `json:"type"`
}
