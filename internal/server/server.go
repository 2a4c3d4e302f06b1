// Package server implements the remote half of the proxy (spec C12): the
// HTTP surface a caller's stdio client talks to once it has an address —
// the handshake endpoints, the encrypted session/request endpoint, tool
// dispatch (including the admin tools), and inbound webhook routing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/common/crypto"
	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/config/templates"
	"github.com/drawlatch/secure-mcp-proxy/internal/handshake"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/pipeline"
	"github.com/drawlatch/secure-mcp-proxy/internal/ratelimit"
)

// SessionTTL bounds how long an idle session may go without a request
// before the server's periodic prune loop evicts it.
const SessionTTL = 30 * time.Minute

// Server is the remote proxy process: it terminates handshakes, holds the
// live session table, and dispatches decrypted tool calls into the
// pipeline and ingestor manager.
type Server struct {
	configPath string
	self       *crypto.KeyBundle

	cfgMu     sync.RWMutex
	cfg       *config.Config
	resolver  *config.Resolver
	templates *templates.Registry

	hs        *handshake.Server
	pipeline  *pipeline.Pipeline
	ingestors *ingestor.Manager
	limiter   *ratelimit.Limiter

	sessions sessionTable

	httpServer *http.Server
}

// New builds a Server. configPath is the remote.config.json file admin
// tools mutate; self is this server's long-lived identity.
func New(configPath string, self *crypto.KeyBundle, cfg *config.Config, reg *templates.Registry, mgr *ingestor.Manager) *Server {
	resolver := config.NewResolver(cfg, mustRoutes(reg))
	limiter := ratelimit.New(cfg.RateLimitPerMinute, time.Minute)
	pipe := pipeline.New(cfg, resolver, limiter, mgr, nil)

	s := &Server{
		configPath: configPath,
		self:       self,
		cfg:        cfg,
		resolver:   resolver,
		templates:  reg,
		hs:         handshake.NewServer(self),
		pipeline:   pipe,
		ingestors:  mgr,
		limiter:    limiter,
		sessions:   newSessionTable(),
	}
	RegisterFactories(mgr)
	return s
}

func mustRoutes(reg *templates.Registry) map[string]config.Route {
	routes, err := reg.Routes()
	if err != nil {
		panic(fmt.Sprintf("server: load built-in route templates: %v", err))
	}
	return routes
}

// Mux builds the HTTP routing table. Exported so cmd/drawlatch-server can
// wrap it with additional middleware (e.g. access logging) and so tests can
// drive it directly with httptest.Server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /handshake/init", s.handleHandshakeInit)
	mux.HandleFunc("POST /handshake/finish", s.handleHandshakeFinish)
	mux.HandleFunc("POST /session/{id}/request", s.handleSessionRequest)
	mux.HandleFunc("POST /webhooks/{path...}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start begins listening on addr and starts every configured ingestor.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	s.ingestors.StartAll(s.snapshot())

	s.httpServer = &http.Server{
		Handler:      s.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.prunePending(ctx)

	slog.Info("server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server exited", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and every running ingestor.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	s.ingestors.StopAll()
}

func (s *Server) prunePending(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.hs.Prune(now); n > 0 {
				slog.Debug("server: pruned stale handshake attempts", "count", n)
			}
			if n := s.sessions.pruneIdle(now, SessionTTL); n > 0 {
				slog.Debug("server: pruned idle sessions", "count", n)
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// snapshot returns the currently active config and resolver together, so
// callers never observe one updated without the other.
func (s *Server) snapshot() (*config.Config, *config.Resolver) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg, s.resolver
}

// pipelineSnapshot returns the Pipeline built over the currently active
// config, so a concurrent admin mutation never hands a request handler a
// pipeline paired with the wrong resolver.
func (s *Server) pipelineSnapshot() *pipeline.Pipeline {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.pipeline
}

// swapConfig installs newCfg as the live configuration: secrets and
// connection lists become hot-read by the request pipeline immediately.
// Already-running ingestors are left untouched — per spec, ingestor config
// changes are not hot-applied and require an explicit restart.
func (s *Server) swapConfig(newCfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = newCfg
	s.resolver = config.NewResolver(newCfg, mustRoutes(s.templates))
	s.pipeline = pipeline.New(newCfg, s.resolver, s.limiter, s.ingestors, nil)
}

// knownPeers loads every registered caller's trusted public keys, keyed by
// fingerprint, and a fingerprint→caller-alias index.
func (s *Server) knownPeers() (map[string]crypto.PublicKeyBundle, map[string]string) {
	cfg, _ := s.snapshot()
	peers := make(map[string]crypto.PublicKeyBundle)
	callerOf := make(map[string]string)
	for alias, caller := range cfg.Callers {
		found, errs := crypto.LoadPeers(caller.PeerKeyDir)
		for _, err := range errs {
			slog.Warn("server: skipping unreadable peer file", "caller", alias, "error", err)
		}
		for fp, pub := range found {
			peers[fp] = pub
			callerOf[fp] = alias
		}
	}
	return peers, callerOf
}

// loadFingerprints returns the sorted fingerprints of every trusted peer
// file under dir, for admin_list_callers.
func loadFingerprints(dir string) ([]string, error) {
	peers, errs := crypto.LoadPeers(dir)
	if len(errs) > 0 {
		slog.Warn("server: skipping unreadable peer file while listing callers", "dir", dir, "errors", errs)
	}
	out := make([]string, 0, len(peers))
	for fp := range peers {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: encode response failed", "error", err)
	}
}
