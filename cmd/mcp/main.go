// CLicense MCP Server - Exposes license scans and chat as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/clicense/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("CLICENSE_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("CLICENSE_API_KEY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "CLICENSE_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
