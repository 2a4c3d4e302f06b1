// Command drawlatch-client is a minimal stdio harness over internal/client
// (spec C13). It is NOT the MCP wire adapter that production callers use
// (that adapter is out of scope per spec.md §1) — it exists only to prove
// the handshake and encrypted request/response correlation work end to end
// against a running drawlatch-server, the way cmd/gitai/main.go is a thin
// binary over internal/gitai/app.
//
// Each line of stdin is "<tool> <json-input>" (input may be omitted); the
// result is printed to stdout as JSON, and an error is printed to stderr as
// a plain "error: ..." line.
//
// Required environment variables:
//
//	DRAWLATCH_SERVER_URL   - base URL of the remote server, e.g. "https://proxy.example.com"
//	DRAWLATCH_KEYS_DIR     - this caller's own identity directory
//	DRAWLATCH_PEERS_DIR    - directory of trusted server *.pub files
//	DRAWLATCH_SERVER_HINT  - fingerprint of the server this client expects to reach
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/common/environment"
	"github.com/drawlatch/secure-mcp-proxy/internal/client"
)

func main() {
	baseURL, err := environment.RequiredString("DRAWLATCH_SERVER_URL")
	if err != nil {
		fatal(err)
	}
	keysDir, err := environment.RequiredString("DRAWLATCH_KEYS_DIR")
	if err != nil {
		fatal(err)
	}
	peersDir, err := environment.RequiredString("DRAWLATCH_PEERS_DIR")
	if err != nil {
		fatal(err)
	}
	serverHint, err := environment.RequiredString("DRAWLATCH_SERVER_HINT")
	if err != nil {
		fatal(err)
	}

	self, err := crypto.Load(keysDir)
	if err != nil {
		fatal(fmt.Errorf("load caller identity from %s: %w", keysDir, err))
	}

	knownServers, errs := crypto.LoadPeers(peersDir)
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}

	c := client.New(baseURL, nil, self, serverHint, knownServers)

	ctx := context.Background()
	if err := c.Handshake(ctx); err != nil {
		fatal(fmt.Errorf("handshake: %w", err))
	}
	fmt.Fprintln(os.Stderr, "handshake complete; enter lines as '<tool> <json-input>'")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tool, rawInput, _ := strings.Cut(line, " ")

		var input any
		if strings.TrimSpace(rawInput) != "" {
			if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
				fmt.Fprintf(os.Stderr, "error: invalid JSON input: %v\n", err)
				continue
			}
		}

		var result json.RawMessage
		if err := c.Call(ctx, tool, input, &result); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(string(result))
	}
	if err := scanner.Err(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	os.Exit(1)
}
