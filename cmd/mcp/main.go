// Coinescrow admin MCP server - exposes purchase administration as MCP tools
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/config"
	"github.com/givecircle/coinescrow/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("COINESCROW_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("COINESCROW_ADMIN_TOKEN"),
	}

	// Without a token, mint a short-lived admin one from the shared secret.
	if cfg.Token == "" {
		secret := os.Getenv("JWT_SECRET")
		adminID := os.Getenv("COINESCROW_ADMIN_ID")
		if secret == "" || adminID == "" {
			fmt.Fprintln(os.Stderr, "COINESCROW_ADMIN_TOKEN, or JWT_SECRET and COINESCROW_ADMIN_ID, are required")
			os.Exit(1)
		}
		issuer := envOrDefault("JWT_ISSUER", config.DefaultJWTIssuer)
		tok, err := auth.NewManager(secret, issuer).Issue(adminID, auth.RoleAdmin, 12*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue admin token: %v\n", err)
			os.Exit(1)
		}
		cfg.Token = tok
	}

	s := mcpserver.NewMCPServer(cfg, Version)
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
