// accountmarket MCP server - exposes order and dispute actions as MCP tools for LLMs.
//
// stdout carries the MCP protocol, so all logging goes to stderr.
package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/mcpserver"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "json")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("ACCOUNTMARKET_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("ACCOUNTMARKET_TOKEN"),
	}
	if v := os.Getenv("ACCOUNTMARKET_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid ACCOUNTMARKET_TIMEOUT", "value", v, "error", err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	if cfg.Token == "" {
		logger.Error("ACCOUNTMARKET_TOKEN is required")
		os.Exit(1)
	}

	logger.Info("starting MCP server", "version", version, "api_url", cfg.APIURL)
	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
