// Command drawlatch-server is the remote proxy's serve entrypoint (spec.md
// §6 CLI surface: "serve"). It loads remote.config.json, loads this
// server's own identity (it does not generate one), wires the ingestor factories, and
// runs internal/server.Server until an interrupt or SIGTERM.
//
// All configuration is loaded from environment variables:
//
//	MCP_SECURE_PROXY_CONFIG_DIR  - directory holding remote.config.json (default: "/etc/drawlatch")
//	DRAWLATCH_LISTEN_ADDR        - HTTP listen address (default: ":8443")
//	LOG_LEVEL                    - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT                   - "text" or "json" (default: "text")
//
// Exit codes follow spec.md §6: 0 success, 1 bad config, 2 missing keys,
// 3 port bind failure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/common/environment"
	"github.com/drawlatch/secure-mcp-proxy/common/version"
	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/config/templates"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/observability"
	"github.com/drawlatch/secure-mcp-proxy/internal/server"
)

func main() {
	observability.Setup(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "text"))
	slog.Info("drawlatch-server starting", "version", version.Info())

	configDir := environment.StringOr("MCP_SECURE_PROXY_CONFIG_DIR", "/etc/drawlatch")
	listenAddr := environment.StringOr("DRAWLATCH_LISTEN_ADDR", ":8443")
	configPath := filepath.Join(configDir, "remote.config.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	keysDir := cfg.LocalKeysDir
	if keysDir == "" {
		keysDir = filepath.Join(configDir, "keys")
	}
	self, err := crypto.Load(keysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load server identity from %s: %v (run generate-keys first)\n", keysDir, err)
		os.Exit(2)
	}
	slog.Info("loaded server identity", "fingerprint", crypto.Fingerprint(self.Public()))

	mgr := ingestor.NewManager()
	srv := server.New(configPath, self, cfg, templates.Default(), mgr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(3)
	}

	slog.Info("drawlatch-server is running; press Ctrl+C to stop", "addr", listenAddr)
	<-ctx.Done()
	slog.Info("shutting down")
	srv.Stop()
}
