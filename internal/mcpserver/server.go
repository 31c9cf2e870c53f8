package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all CLicense tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("clicense", "1.0.0")
	h := NewHandlers(NewAPIClient(cfg))

	s.AddTool(ToolScanLicense, h.HandleScanLicense)
	s.AddTool(ToolAskAboutLicense, h.HandleAskAboutLicense)
	s.AddTool(ToolCheckQuota, h.HandleCheckQuota)
	s.AddTool(ToolListHistory, h.HandleListHistory)

	return s
}
