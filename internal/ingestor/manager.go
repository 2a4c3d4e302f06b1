package ingestor

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// Factory builds a Capability from a connection's fully-resolved ingestor
// config (secrets and overrides already merged in).
type Factory func(caller, connection string, resolved config.ResolvedIngestor) (Capability, error)

// Manager owns every running ingestor instance, keyed by "caller:connection"
// the way internal/gitai/supervisor/supervisor.go owns MCP/gateway
// processes keyed by name: a single mutex-guarded map mutated only by the
// manager, with readers taking snapshots.
type Manager struct {
	mu        sync.Mutex
	instances map[string]Capability
	factories map[string]Factory
}

// NewManager builds an empty Manager. Register factories with
// RegisterFactory before calling StartAll.
func NewManager() *Manager {
	return &Manager{
		instances: make(map[string]Capability),
		factories: make(map[string]Factory),
	}
}

// RegisterFactory associates an ingestor type (e.g. "discord", "github")
// with the constructor that builds it.
func (m *Manager) RegisterFactory(ingestorType string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[ingestorType] = f
}

func instanceKey(caller, connection string) string { return caller + ":" + connection }

// StartAll iterates every caller × connection with an ingestor stanza,
// merges caller overrides into the template, resolves placeholders,
// constructs an instance via the registered factory, and starts it.
// Failures are logged; other ingestors continue starting.
func (m *Manager) StartAll(cfg *config.Config, resolver *config.Resolver) {
	for callerAlias, caller := range cfg.Callers {
		rawRoutes, err := resolver.ResolveCallerRoutes(callerAlias)
		if err != nil {
			slog.Error("ingestor manager: resolve caller routes failed", "caller", callerAlias, "error", err)
			continue
		}
		for _, route := range rawRoutes {
			if route.Ingestor == nil {
				continue
			}
			if err := m.startRoute(callerAlias, caller, route); err != nil {
				slog.Error("ingestor manager: start failed", "caller", callerAlias, "connection", route.Alias, "error", err)
			}
		}
	}
}

func (m *Manager) startRoute(callerAlias string, caller config.CallerConfig, route config.Route) error {
	merged := route
	if overrides, ok := caller.IngestorOverrides[route.Alias]; ok {
		merged.Ingestor = &config.IngestorSpec{
			Type:   route.Ingestor.Type,
			Config: MergeOverrides(route.Ingestor.Type, route.Ingestor.Config, overrides),
		}
	}

	resolvedRoutes, err := config.ResolveRoutes([]config.Route{merged}, caller.Env)
	if err != nil {
		return err
	}
	resolved := resolvedRoutes[0]

	m.mu.Lock()
	factory, ok := m.factories[resolved.Ingestor.Type]
	m.mu.Unlock()
	if !ok {
		return proxyerr.New(proxyerr.IngestorStartFailed, "no factory registered for ingestor type %q", resolved.Ingestor.Type)
	}

	instance, err := factory(callerAlias, resolved.Alias, *resolved.Ingestor)
	if err != nil {
		return proxyerr.Wrap(proxyerr.IngestorStartFailed, err, "construct ingestor %s:%s", callerAlias, resolved.Alias)
	}
	if err := instance.Start(); err != nil {
		return proxyerr.Wrap(proxyerr.IngestorStartFailed, err, "start ingestor %s:%s", callerAlias, resolved.Alias)
	}

	m.mu.Lock()
	m.instances[instanceKey(callerAlias, resolved.Alias)] = instance
	m.mu.Unlock()
	return nil
}

// StopAll stops every running ingestor in parallel and clears the registry.
func (m *Manager) StopAll() {
	m.mu.Lock()
	instances := make([]Capability, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]Capability)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(c Capability) {
			defer wg.Done()
			c.Stop()
		}(inst)
	}
	wg.Wait()
}

// StopOne stops the ingestor for caller:connection, if running.
func (m *Manager) StopOne(caller, connection string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceKey(caller, connection)]
	if ok {
		delete(m.instances, instanceKey(caller, connection))
	}
	m.mu.Unlock()

	if !ok {
		return proxyerr.New(proxyerr.NoIngestorRunning, "no ingestor running for %s:%s", caller, connection)
	}
	inst.Stop()
	return nil
}

// StartOne starts the ingestor for caller:connection, re-resolving its
// config from cfg/resolver. If an instance is already running for that
// caller:connection, AlreadyRunning is treated as success with the current
// state left untouched, per spec — it is not surfaced as an error.
func (m *Manager) StartOne(cfg *config.Config, resolver *config.Resolver, callerAlias, connection string) error {
	m.mu.Lock()
	_, running := m.instances[instanceKey(callerAlias, connection)]
	m.mu.Unlock()
	if running {
		return nil
	}
	return m.resolveAndStart(cfg, resolver, callerAlias, connection)
}

// RestartOne stops (if running) then starts the ingestor for caller:connection
// fresh, re-resolving its config from cfg/resolver.
func (m *Manager) RestartOne(cfg *config.Config, resolver *config.Resolver, callerAlias, connection string) error {
	_ = m.StopOne(callerAlias, connection) // ignore NoIngestorRunning; restarting a stopped one is fine
	return m.resolveAndStart(cfg, resolver, callerAlias, connection)
}

// resolveAndStart looks up callerAlias's connection among cfg's routes and
// starts its ingestor via startRoute. Shared by StartOne and RestartOne.
func (m *Manager) resolveAndStart(cfg *config.Config, resolver *config.Resolver, callerAlias, connection string) error {
	caller, ok := cfg.Callers[callerAlias]
	if !ok {
		return proxyerr.New(proxyerr.UnknownCaller, "no caller configured with alias %q", callerAlias)
	}
	if !caller.HasConnection(connection) {
		return proxyerr.New(proxyerr.CallerLacksConnection, "caller %q does not enable connection %q", callerAlias, connection)
	}

	rawRoutes, err := resolver.ResolveCallerRoutes(callerAlias)
	if err != nil {
		return err
	}
	for _, route := range rawRoutes {
		if route.Alias != connection {
			continue
		}
		if route.Ingestor == nil {
			return proxyerr.New(proxyerr.ConnectionHasNoIngestor, "connection %q has no ingestor stanza", connection)
		}
		return m.startRoute(callerAlias, caller, route)
	}
	return proxyerr.New(proxyerr.UnknownConnection, "no connection named %q", connection)
}

// GetEvents returns buffered events for a single caller:connection ingestor.
func (m *Manager) GetEvents(caller, connection string, afterID int64) ([]IngestedEvent, error) {
	inst, err := m.lookup(caller, connection)
	if err != nil {
		return nil, err
	}
	return inst.GetEvents(afterID), nil
}

// GetAllEvents merges events from every ingestor belonging to caller, sorted
// by ReceivedAt. The stable sort keeps each ingestor's own order among equal
// timestamps; the order of equal-time events from different ingestors is not
// defined.
func (m *Manager) GetAllEvents(caller string, afterID int64) []IngestedEvent {
	m.mu.Lock()
	var matching []Capability
	for key, inst := range m.instances {
		if hasPrefix(key, caller+":") {
			matching = append(matching, inst)
		}
	}
	m.mu.Unlock()

	var all []IngestedEvent
	for _, inst := range matching {
		all = append(all, inst.GetEvents(afterID)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ReceivedAt.Before(all[j].ReceivedAt)
	})
	return all
}

// GetStatuses returns a status snapshot for every ingestor belonging to caller.
func (m *Manager) GetStatuses(caller string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Status
	for key, inst := range m.instances {
		if hasPrefix(key, caller+":") {
			out = append(out, inst.GetStatus())
		}
	}
	return out
}

// GetWebhookIngestors returns every ingestor whose webhook path matches path.
func (m *Manager) GetWebhookIngestors(path string) []Capability {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Capability
	for _, inst := range m.instances {
		if inst.WebhookPath() == path {
			out = append(out, inst)
		}
	}
	return out
}

func (m *Manager) lookup(caller, connection string) (Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceKey(caller, connection)]
	if !ok {
		return nil, proxyerr.New(proxyerr.NoIngestorRunning, "no ingestor running for %s:%s", caller, connection)
	}
	return inst, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
