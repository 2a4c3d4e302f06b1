package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/sjson"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// patchConfig applies patch to the raw bytes of the on-disk config, writes
// the result via a temp-file-then-rename swap so readers never observe a
// partially written file, then installs the re-parsed config as live state.
// Every admin mutation funnels through here.
func (s *Server) patchConfig(patch func(raw []byte) ([]byte, error)) (*config.Config, error) {
	raw, err := os.ReadFile(s.configPath)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "read config file")
	}

	patched, err := patch(raw)
	if err != nil {
		return nil, err
	}

	newCfg, err := config.Parse(patched)
	if err != nil {
		return nil, err
	}

	if err := atomicWriteFile(s.configPath, patched, 0o600); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "write config file")
	}

	s.swapConfig(newCfg)
	return newCfg, nil
}

// atomicWriteFile writes data to a temp file in the same directory as path,
// then renames it over path — the rename is atomic on the same filesystem,
// so a concurrent reader always sees either the old or the new file in full.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func callerPath(alias, suffix string) string {
	path := "callers." + sjsonEscapeKey(alias)
	if suffix != "" {
		path += "." + suffix
	}
	return path
}

// sjsonEscapeKey escapes the characters sjson's path syntax treats
// specially (".", "*", "?") in a caller alias used as a path segment.
func sjsonEscapeKey(key string) string {
	var out []byte
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

type registerCallerInput struct {
	Alias string `json:"alias"`
	config.CallerConfig
}

// adminRegisterCaller implements admin_register_caller: adds or replaces a
// caller record.
func (s *Server) adminRegisterCaller(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in registerCallerInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	if in.Alias == "" {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "admin_register_caller requires alias")
	}
	if in.PeerKeyDir == "" {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "admin_register_caller requires peerKeyDir")
	}

	if _, err := s.patchConfig(func(raw []byte) ([]byte, error) {
		return sjson.SetBytes(raw, callerPath(in.Alias, ""), in.CallerConfig)
	}); err != nil {
		return nil, err
	}
	return map[string]any{"alias": in.Alias, "restartRequired": true}, nil
}

type callerAliasInput struct {
	Alias string `json:"alias"`
}

func (s *Server) requireCaller(alias string) (config.CallerConfig, error) {
	cfg, _ := s.snapshot()
	caller, ok := cfg.Callers[alias]
	if !ok {
		return config.CallerConfig{}, proxyerr.New(proxyerr.UnknownCaller, "no caller configured with alias %q", alias)
	}
	return caller, nil
}

// adminRemoveCaller implements admin_remove_caller.
func (s *Server) adminRemoveCaller(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in callerAliasInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	if _, err := s.requireCaller(in.Alias); err != nil {
		return nil, err
	}

	if _, err := s.patchConfig(func(raw []byte) ([]byte, error) {
		return sjson.DeleteBytes(raw, callerPath(in.Alias, ""))
	}); err != nil {
		return nil, err
	}
	return map[string]any{"alias": in.Alias, "restartRequired": true}, nil
}

type updateConnectionsInput struct {
	Alias       string   `json:"alias"`
	Connections []string `json:"connections"`
}

// adminUpdateCallerConnections implements admin_update_caller_connections.
func (s *Server) adminUpdateCallerConnections(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in updateConnectionsInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	if _, err := s.requireCaller(in.Alias); err != nil {
		return nil, err
	}

	if _, err := s.patchConfig(func(raw []byte) ([]byte, error) {
		return sjson.SetBytes(raw, callerPath(in.Alias, "connections"), in.Connections)
	}); err != nil {
		return nil, err
	}
	return map[string]any{"alias": in.Alias, "restartRequired": true}, nil
}

type setSecretsInput struct {
	Alias string            `json:"alias"`
	Env   map[string]string `json:"env"`
}

// adminSetSecrets implements admin_set_secrets: merges env into the
// caller's existing secret map. Per the base design this is hot-read by the
// request pipeline immediately; already-running ingestors keep whatever
// secrets they resolved at start.
func (s *Server) adminSetSecrets(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in setSecretsInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	caller, err := s.requireCaller(in.Alias)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(caller.Env)+len(in.Env))
	for k, v := range caller.Env {
		merged[k] = v
	}
	for k, v := range in.Env {
		merged[k] = v
	}

	if _, err := s.patchConfig(func(raw []byte) ([]byte, error) {
		return sjson.SetBytes(raw, callerPath(in.Alias, "env"), merged)
	}); err != nil {
		return nil, err
	}
	return map[string]any{"alias": in.Alias, "restartRequired": true}, nil
}

type secretStatusInput struct {
	Alias string `json:"alias"`
}

// adminGetSecretStatus implements admin_get_secret_status: reports, per
// `${VAR}` name referenced by the caller's resolved routes, whether it is
// currently resolvable — never the value itself.
func (s *Server) adminGetSecretStatus(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var in secretStatusInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	caller, err := s.requireCaller(in.Alias)
	if err != nil {
		return nil, err
	}

	_, resolver := s.snapshot()
	rawRoutes, err := resolver.ResolveCallerRoutes(in.Alias)
	if err != nil {
		return nil, err
	}

	status := make(map[string]bool)
	for _, route := range rawRoutes {
		for _, name := range routePlaceholders(route) {
			if _, seen := status[name]; seen {
				continue
			}
			_, inCallerEnv := caller.Env[name]
			_, inProcessEnv := os.LookupEnv(name)
			status[name] = inCallerEnv || inProcessEnv
		}
	}
	return map[string]any{"alias": in.Alias, "secrets": status}, nil
}

func routePlaceholders(route config.Route) []string {
	var names []string
	for _, v := range route.Secrets {
		names = append(names, config.PlaceholderNames(v)...)
	}
	for _, v := range route.Headers {
		names = append(names, config.PlaceholderNames(v)...)
	}
	for _, v := range route.AllowedEndpoints {
		names = append(names, config.PlaceholderNames(v)...)
	}
	names = append(names, config.PlaceholderNames(route.BaseURL)...)
	if route.Ingestor != nil {
		for _, v := range route.Ingestor.Config {
			names = append(names, config.PlaceholderNames(v)...)
		}
	}
	return names
}

type callerSummary struct {
	Alias        string   `json:"alias"`
	Name         string   `json:"name,omitempty"`
	Connections  []string `json:"connections"`
	Role         string   `json:"role"`
	Fingerprints []string `json:"fingerprints"`
}

// adminListCallers implements admin_list_callers.
func (s *Server) adminListCallers(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	cfg, _ := s.snapshot()
	out := make([]callerSummary, 0, len(cfg.Callers))
	for alias, caller := range cfg.Callers {
		peers, _ := s.peersOf(caller.PeerKeyDir)
		out = append(out, callerSummary{
			Alias:        alias,
			Name:         caller.Name,
			Connections:  caller.Connections,
			Role:         caller.EffectiveRole(),
			Fingerprints: peers,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (s *Server) peersOf(peerKeyDir string) ([]string, error) {
	// reuses the same loader the handshake path uses, so admin_list_callers
	// never drifts from which fingerprints handshake/init actually trusts.
	return loadFingerprints(peerKeyDir)
}

type connectionTemplateSummary struct {
	Alias            string   `json:"alias"`
	AllowedEndpoints []string `json:"allowedEndpoints"`
	HasIngestor      bool     `json:"hasIngestor"`
	IngestorType     string   `json:"ingestorType,omitempty"`
}

// adminListConnectionTemplates implements admin_list_connection_templates:
// the merged set of built-in and user-defined connectors, independent of
// any single caller's enabled connections.
func (s *Server) adminListConnectionTemplates(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	builtin := mustRoutes(s.templates)
	cfg, _ := s.snapshot()

	merged := make(map[string]config.Route, len(builtin)+len(cfg.Connectors))
	for alias, route := range builtin {
		merged[alias] = route
	}
	for _, route := range cfg.Connectors {
		merged[route.Alias] = route
	}

	out := make([]connectionTemplateSummary, 0, len(merged))
	for alias, route := range merged {
		summary := connectionTemplateSummary{
			Alias:            alias,
			AllowedEndpoints: route.AllowedEndpoints,
			HasIngestor:      route.Ingestor != nil,
		}
		if route.Ingestor != nil {
			summary.IngestorType = route.Ingestor.Type
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}
