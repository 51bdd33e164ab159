// Fault injector MCP server.
// Exposes fault injector tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/faultinjector/internal/mcp"
)

func main() {
	apiURL := os.Getenv("FAULTINJ_URL")
	if apiURL == "" {
		apiURL = "http://localhost:3002"
	}

	s := server.NewMCPServer(
		"faultinjector",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(apiURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
