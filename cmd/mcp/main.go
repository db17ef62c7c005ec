// MCP server exposing spending sessions as tools for LLMs.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/alancoin-agent/internal/config"
	"github.com/mbd888/alancoin-agent/internal/mcptools"
	"github.com/mbd888/alancoin-agent/pkg/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "ALANCOIN_API_KEY is required")
		os.Exit(1)
	}
	if cfg.AgentAddress == "" {
		fmt.Fprintln(os.Stderr, "AGENT_ADDRESS is required")
		os.Exit(1)
	}

	expiry, err := time.ParseDuration(cfg.DefaultExpiry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid SESSION_EXPIRY %q: %v\n", cfg.DefaultExpiry, err)
		os.Exit(1)
	}

	s := mcptools.NewMCPServer(mcptools.Config{
		APIURL:       cfg.APIURL,
		APIKey:       cfg.APIKey,
		AgentAddress: cfg.AgentAddress,
		Budget: session.Budget{
			MaxTotal:  cfg.DefaultMaxTotal,
			MaxPerTx:  cfg.DefaultMaxPerTx,
			ExpiresIn: expiry,
			Label:     "mcp",
		},
	})
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
