package bridge

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool describes one callable tool in the tools/list catalog.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// ToolsListResponse is the result of the tools/list method.
type ToolsListResponse struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams carries the parameters of a tools/call request.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// toolCatalog is the fixed set of tools the plugin executes. The bridge
// never interprets these itself; it only forwards the call over the socket.
var toolCatalog = []Tool{
	{
		Name:        "query_elements",
		Description: "Find elements in the live document matching a CSS selector and return their tag, attributes, and text content.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"selector": {
					Type:        "string",
					Description: "CSS selector to match elements against",
				},
			},
			Required: []string{"selector"},
		},
	},
	{
		Name:        "get_computed_styles",
		Description: "Return the computed CSS styles for the first element matching a CSS selector.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"selector": {
					Type:        "string",
					Description: "CSS selector identifying the element",
				},
			},
			Required: []string{"selector"},
		},
	},
	{
		Name:        "get_console_logs",
		Description: "Return recent console log entries captured by the plugin.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"limit": {
					Type:        "number",
					Description: "Maximum number of entries to return",
					Default:     json.RawMessage("100"),
				},
			},
		},
	},
}
