package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/domtap/domtap/jsonrpc"
)

// protocolVersion is the MCP revision the handshake advertises.
const protocolVersion = "2024-11-05"

// InitializeResult is the handshake descriptor returned by initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// ServerCapabilities advertises which protocol surfaces this server offers.
type ServerCapabilities struct {
	Tools     struct{} `json:"tools"`
	Resources struct{} `json:"resources"`
}

// Implementation identifies the server to the client.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResourcesListResponse is the (empty) result of resources/list.
type ResourcesListResponse struct {
	Resources []interface{} `json:"resources"`
}

// ResourceTemplatesListResponse is the (empty) result of
// resources/templates/list.
type ResourceTemplatesListResponse struct {
	ResourceTemplates []interface{} `json:"resourceTemplates"`
}

// Server translates upstream JSON-RPC methods: handshake and catalog
// methods are answered locally, tool calls are forwarded to the plugin
// through the correlator.
type Server struct {
	correlator *Correlator
	logger     *slog.Logger
	info       Implementation
}

// NewServer creates a Server forwarding tool calls through correlator.
func NewServer(correlator *Correlator, version string, logger *slog.Logger) *Server {
	return &Server{
		correlator: correlator,
		logger:     logger,
		info: Implementation{
			Name:    "domtap",
			Version: version,
		},
	}
}

// HandleRequest dispatches one request by method name. Every request that
// reaches this point is answered with exactly one well-formed response; a
// handler panic is converted into an internal error carrying the original
// identifier rather than terminating the process.
func (s *Server) HandleRequest(ctx context.Context, req jsonrpc.Request, w ResponseWriter) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling request", "method", req.Method, "panic", r)
			s.reply(w, jsonrpc.NewResponse(req.ID, nil, jsonrpc.NewError(jsonrpc.ErrInternal, nil)))
		}
	}()

	switch req.Method {
	case "initialize":
		s.reply(w, jsonrpc.NewResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      s.info,
		}, nil))
	case "notifications/initialized":
		s.reply(w, jsonrpc.NewResponse(req.ID, struct{}{}, nil))
	case "tools/list":
		s.reply(w, jsonrpc.NewResponse(req.ID, ToolsListResponse{Tools: toolCatalog}, nil))
	case "tools/call":
		s.handleToolsCall(ctx, req, w)
	case "resources/list":
		s.reply(w, jsonrpc.NewResponse(req.ID, ResourcesListResponse{Resources: []interface{}{}}, nil))
	case "resources/templates/list":
		s.reply(w, jsonrpc.NewResponse(req.ID, ResourceTemplatesListResponse{ResourceTemplates: []interface{}{}}, nil))
	default:
		s.reply(w, jsonrpc.NewResponse(req.ID, nil,
			jsonrpc.Errorf(jsonrpc.ErrMethodNotFound, "method not found: %q", req.Method)))
	}
}

// handleToolsCall forwards one tool invocation to the plugin. The reply
// carries the original caller-supplied identifier; the correlator's
// internal identifier never leaks upstream. The synchronous path produces
// no response of its own: the peer-derived response is the sole reply.
func (s *Server) handleToolsCall(ctx context.Context, req jsonrpc.Request, w ResponseWriter) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.reply(w, jsonrpc.NewResponse(req.ID, nil, jsonrpc.NewError(jsonrpc.ErrInvalidParams, err.Error())))
		return
	}
	if params.Name == "" {
		s.reply(w, jsonrpc.NewResponse(req.ID, nil,
			jsonrpc.Errorf(jsonrpc.ErrInvalidParams, "tool name is required")))
		return
	}

	go func() {
		result, err := s.correlator.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			s.reply(w, jsonrpc.NewResponse(req.ID, nil, toolCallError(err)))
			return
		}
		s.reply(w, jsonrpc.NewResponse(req.ID, result, nil))
	}()
}

// toolCallError maps correlator failures onto JSON-RPC error objects.
func toolCallError(err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, ErrNoPeer):
		return jsonrpc.Errorf(jsonrpc.ErrServer, "not connected: no plugin is attached to the bridge")
	case errors.Is(err, ErrRequestTimeout):
		return jsonrpc.Errorf(jsonrpc.ErrServer, "%s", err.Error())
	case errors.Is(err, ErrConnectionClosed):
		return jsonrpc.Errorf(jsonrpc.ErrServer, "connection closed: %s", err.Error())
	default:
		return jsonrpc.Errorf(jsonrpc.ErrInternal, "%s", err.Error())
	}
}

func (s *Server) reply(w ResponseWriter, resp jsonrpc.Response) {
	if err := w.WriteResponse(resp); err != nil {
		s.logger.Error("error writing response", "id", resp.ID.String(), "error", err)
	}
}
