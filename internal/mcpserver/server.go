// Package mcpserver exposes the escrow API as MCP tools so that
// LLM agents can inspect and act on trades over stdio.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer builds the MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	client := NewEscrowClient(cfg)
	handlers := NewHandlers(client)

	s := server.NewMCPServer(
		"escrowd",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(ToolGetTrade, handlers.HandleGetTrade)
	s.AddTool(ToolListTrades, handlers.HandleListTrades)
	s.AddTool(ToolEscrowStatus, handlers.HandleEscrowStatus)
	s.AddTool(ToolDeadlineRisk, handlers.HandleDeadlineRisk)
	s.AddTool(ToolAttachEvidence, handlers.HandleAttachEvidence)
	s.AddTool(ToolDisputeTrade, handlers.HandleDisputeTrade)
	s.AddTool(ToolPartyStats, handlers.HandlePartyStats)

	return s
}
