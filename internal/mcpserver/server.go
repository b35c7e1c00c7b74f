// Package mcpserver exposes the OCCR API as Model Context Protocol tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all OCCR tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("occr", "0.1.0")
	h := NewHandlers(NewOCCRClient(cfg))

	s.AddTool(ToolComputeScore, h.HandleComputeScore)
	s.AddTool(ToolGetScore, h.HandleGetScore)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)
	s.AddTool(ToolRefreshScore, h.HandleRefreshScore)

	return s
}
