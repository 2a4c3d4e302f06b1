package server

import (
	"strconv"
	"time"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor/discord"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor/poll"
	"github.com/drawlatch/secure-mcp-proxy/internal/ingestor/webhook"
	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// defaultBufferCapacity is used by every ingestor type when a connection's
// config does not request one explicitly.
const defaultBufferCapacity = 200

// webhookPath synthesizes the inbound delivery path for a caller's
// connection: none of the built-in templates hard-code one, since it must
// be unique per caller:connection, not per connection type.
func webhookPath(caller, connection string) string {
	return "/webhooks/" + caller + "/" + connection
}

// RegisterFactories wires every concrete ingestor constructor into mgr,
// keyed by the ingestor "type" strings the built-in route templates use.
func RegisterFactories(mgr *ingestor.Manager) {
	mgr.RegisterFactory("discord", discordFactory)
	mgr.RegisterFactory("github", githubFactory)
	mgr.RegisterFactory("stripe", stripeFactory)
	mgr.RegisterFactory("trello", trelloFactory)
	mgr.RegisterFactory("poll", pollFactory)
}

func discordFactory(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
	cfg := discord.ParseConfig(resolved)
	if cfg.BotToken == "" {
		return nil, proxyerr.New(proxyerr.IngestorStartFailed, "discord ingestor %s:%s has no bot token", caller, connection)
	}
	return discord.New(caller, connection, cfg, defaultBufferCapacity), nil
}

func githubFactory(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
	secret := resolved.Config["webhookSecret"]
	if secret == "" {
		return nil, proxyerr.New(proxyerr.IngestorStartFailed, "github ingestor %s:%s has no webhookSecret", caller, connection)
	}
	return webhook.NewGitHub(caller, connection, defaultBufferCapacity, webhookPath(caller, connection), secret), nil
}

func trelloFactory(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
	secret := resolved.Config["webhookSecret"]
	callbackURL := resolved.Config["callbackURL"]
	if secret == "" || callbackURL == "" {
		return nil, proxyerr.New(proxyerr.IngestorStartFailed, "trello ingestor %s:%s requires webhookSecret and callbackURL", caller, connection)
	}
	return webhook.NewTrello(caller, connection, defaultBufferCapacity, webhookPath(caller, connection), secret, callbackURL), nil
}

func stripeFactory(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
	secret := resolved.Config["webhookSecret"]
	if secret == "" {
		return nil, proxyerr.New(proxyerr.IngestorStartFailed, "stripe ingestor %s:%s has no webhookSecret", caller, connection)
	}
	tolerance := 300 * time.Second
	if n, err := strconv.Atoi(resolved.Config["toleranceSeconds"]); err == nil && n > 0 {
		tolerance = time.Duration(n) * time.Second
	}
	return webhook.NewStripe(caller, connection, defaultBufferCapacity, webhookPath(caller, connection), secret, tolerance, time.Now), nil
}

func pollFactory(caller, connection string, resolved config.ResolvedIngestor) (ingestor.Capability, error) {
	c := resolved.Config
	if c["url"] == "" {
		return nil, proxyerr.New(proxyerr.IngestorStartFailed, "poll ingestor %s:%s has no configured url", caller, connection)
	}
	intervalMS, _ := strconv.Atoi(c["intervalMs"])
	return poll.New(caller, connection, poll.Config{
		URL:           c["url"],
		IntervalMS:    intervalMS,
		ResponsePath:  c["responsePath"],
		DeduplicateBy: c["deduplicateBy"],
		EventType:     c["eventType"],
	}), nil
}
