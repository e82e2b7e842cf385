package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all admin tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("coinescrow-admin", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListPurchases, h.HandleListPurchases)
	s.AddTool(ToolGetPurchase, h.HandleGetPurchase)
	s.AddTool(ToolConfirmPurchase, h.HandleConfirmPurchase)
	s.AddTool(ToolRejectPurchase, h.HandleRejectPurchase)
	s.AddTool(ToolAgentLedger, h.HandleAgentLedger)
	s.AddTool(ToolFundAgent, h.HandleFundAgent)
	s.AddTool(ToolReconcileAgent, h.HandleReconcileAgent)

	return s
}
