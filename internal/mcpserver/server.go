package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `Tools act on behalf of one marketplace viewer (the token's owner).
Buyers can confirm receipt of delivered orders and open or cancel disputes.
Confirming receipt releases escrow to the seller and cannot be undone, so
only call confirm_receipt when the user has explicitly said the account works.`

// NewMCPServer creates a configured MCP server with all order and dispute tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("accountmarket", version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)
	h := NewHandlers(NewMarketClient(cfg))

	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolConfirmReceipt, h.HandleConfirmReceipt)
	s.AddTool(ToolListDisputableOrders, h.HandleListDisputableOrders)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolCancelDispute, h.HandleCancelDispute)

	return s
}
