// Package mcptools exposes budget-scoped spending sessions as MCP
// tools, so an LLM can buy services, run pipelines, and delegate
// budgets without ever holding the agent's root key.
package mcptools

import (
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/session"
)

// Config holds what the MCP server needs to spend on the agent's behalf.
type Config struct {
	APIURL       string
	APIKey       string
	AgentAddress string

	// Budget for the session the tools share.
	Budget session.Budget
}

// NewMCPServer creates a configured MCP server with all spending tools
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("alancoin-agent", "1.0.0")
	client := api.New(api.Config{
		APIURL:       cfg.APIURL,
		APIKey:       cfg.APIKey,
		AgentAddress: cfg.AgentAddress,
		Timeout:      30 * time.Second,
	})
	h := NewHandlers(client, cfg.AgentAddress, cfg.Budget)

	s.AddTool(ToolDiscoverServices, h.HandleDiscoverServices)
	s.AddTool(ToolCallService, h.HandleCallService)
	s.AddTool(ToolRunPipeline, h.HandleRunPipeline)
	s.AddTool(ToolPayAgent, h.HandlePayAgent)
	s.AddTool(ToolConfirmEscrow, h.HandleConfirmEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolSessionStatus, h.HandleSessionStatus)
	s.AddTool(ToolDelegateBudget, h.HandleDelegateBudget)

	return s
}
