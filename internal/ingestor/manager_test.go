package ingestor_test

import (
	"testing"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

type fakeCapability struct {
	*ingestor.Base
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeCapability) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.SetState(ingestor.StateConnected)
	return nil
}

func (f *fakeCapability) Stop() {
	f.stopped = true
	f.SetState(ingestor.StateStopped)
}

func testConfig() (*config.Config, *config.Resolver) {
	cfg := &config.Config{
		Host:               "0.0.0.0",
		Port:               8443,
		LocalKeysDir:       "/keys",
		RateLimitPerMinute: 60,
		Callers: map[string]config.CallerConfig{
			"acme": {
				PeerKeyDir:  "/peers/acme",
				Connections: []string{"poller"},
				Env:         map[string]string{"POLL_URL": "https://example.com/items"},
			},
		},
		Connectors: []config.Route{
			{
				Alias:            "poller",
				AllowedEndpoints: []string{"https://example.com/**"},
				Ingestor: &config.IngestorSpec{
					Type:   "poll",
					Config: map[string]string{"url": "${POLL_URL}", "intervalMs": "5000"},
				},
			},
		},
	}
	return cfg, config.NewResolver(cfg, nil)
}

func TestManagerStartAllConstructsAndStartsIngestor(t *testing.T) {
	cfg, resolver := testConfig()
	m := ingestor.NewManager()

	var built *fakeCapability
	m.RegisterFactory("poll", func(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
		built = &fakeCapability{Base: ingestor.NewBase(caller, connection, 50, "")}
		if resolved.Config["url"] != "https://example.com/items" {
			t.Errorf("expected resolved url placeholder substituted, got %q", resolved.Config["url"])
		}
		return built, nil
	})

	m.StartAll(cfg, resolver)

	if built == nil || !built.started {
		t.Fatal("expected poll ingestor to be constructed and started")
	}

	statuses := m.GetStatuses("acme")
	if len(statuses) != 1 || statuses[0].State != ingestor.StateConnected {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestManagerStopOneUnknownReturnsNoIngestorRunning(t *testing.T) {
	m := ingestor.NewManager()
	err := m.StopOne("acme", "poller")
	pe, ok := proxyerr.As(err)
	if !ok || pe.Kind != proxyerr.NoIngestorRunning {
		t.Fatalf("expected NoIngestorRunning, got %v", err)
	}
}

func TestManagerGetEventsRoundTrip(t *testing.T) {
	cfg, resolver := testConfig()
	m := ingestor.NewManager()
	m.RegisterFactory("poll", func(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
		fc := &fakeCapability{Base: ingestor.NewBase(caller, connection, 50, "")}
		fc.PushEvent("poll", map[string]any{"hello": "world"})
		return fc, nil
	})
	m.StartAll(cfg, resolver)

	events, err := m.GetEvents("acme", "poller", -1)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestManagerStopAllClearsRegistry(t *testing.T) {
	cfg, resolver := testConfig()
	m := ingestor.NewManager()
	var built *fakeCapability
	m.RegisterFactory("poll", func(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
		built = &fakeCapability{Base: ingestor.NewBase(caller, connection, 50, "")}
		return built, nil
	})
	m.StartAll(cfg, resolver)
	m.StopAll()

	if built == nil || !built.stopped {
		t.Fatal("expected ingestor to be stopped")
	}
	if _, err := m.GetEvents("acme", "poller", -1); err == nil {
		t.Fatal("expected GetEvents to fail after StopAll clears the registry")
	}
}
