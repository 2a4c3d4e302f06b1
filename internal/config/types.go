// Package config loads and resolves the remote server's configuration:
// routes (connection templates), per-caller authorization records, and the
// substitution of secret/environment placeholders into a caller-specific
// resolved view.
package config

// IngestorSpec is the template configuration for a route's background
// ingestor, before any placeholder substitution.
type IngestorSpec struct {
	Type   string            `json:"type" yaml:"type"` // "discord" | "github" | "stripe" | "trello" | "poll"
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Route is an addressable outbound service: a connection template that may
// be built in or user-defined in remote.config.json's connectors list.
// Built-in templates are expressed as YAML (config/templates), so Route
// carries both json and yaml tags.
type Route struct {
	Alias            string            `json:"alias" yaml:"alias"`
	// BaseURL is joined with an http_request call's "path" form. When
	// empty, it is derived from the scheme+host of AllowedEndpoints[0].
	BaseURL          string            `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	AllowedEndpoints []string          `json:"allowedEndpoints" yaml:"allowedEndpoints"`
	Secrets          map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	NonOverridable   []string          `json:"nonOverridableHeaders,omitempty" yaml:"nonOverridableHeaders,omitempty"`
	Ingestor         *IngestorSpec     `json:"ingestor,omitempty" yaml:"ingestor,omitempty"`
}

// CallerConfig is the per-caller authorization record.
type CallerConfig struct {
	Name              string                        `json:"name,omitempty"`
	PeerKeyDir        string                        `json:"peerKeyDir"`
	Connections       []string                      `json:"connections"`
	Env               map[string]string             `json:"env,omitempty"`
	Role              string                        `json:"role,omitempty"` // "admin" | "user", default "user"
	IngestorOverrides map[string]map[string]string  `json:"ingestorOverrides,omitempty"`
}

// EffectiveRole returns the caller's role, defaulting to "user".
func (c CallerConfig) EffectiveRole() string {
	if c.Role == "" {
		return "user"
	}
	return c.Role
}

// IsAdmin reports whether the caller's role grants admin tools.
func (c CallerConfig) IsAdmin() bool {
	return c.EffectiveRole() == "admin"
}

// HasConnection reports whether alias is among the caller's enabled
// connections.
func (c CallerConfig) HasConnection(alias string) bool {
	for _, a := range c.Connections {
		if a == alias {
			return true
		}
	}
	return false
}

// Config is the root remote.config.json shape.
type Config struct {
	Host               string                  `json:"host"`
	Port               int                     `json:"port"`
	LocalKeysDir       string                  `json:"localKeysDir"`
	Callers            map[string]CallerConfig `json:"callers"`
	Connectors         []Route                 `json:"connectors,omitempty"`
	RateLimitPerMinute int                     `json:"rateLimitPerMinute"`
}

// ResolvedIngestor is an IngestorSpec with every placeholder in Config
// substituted.
type ResolvedIngestor struct {
	Type   string
	Config map[string]string
}

// ResolvedRoute is a Route after every `${VAR}` placeholder in
// AllowedEndpoints, Headers, Secrets, and Ingestor.Config has been
// substituted against a caller's env overlaid on the process environment.
type ResolvedRoute struct {
	Alias            string
	BaseURL          string
	AllowedEndpoints []string
	Secrets          map[string]string
	Headers          map[string]string
	NonOverridable   map[string]bool
	Ingestor         *ResolvedIngestor
}

// Redacted returns a copy of r with every secret value replaced, suitable
// for list_routes responses.
func (r ResolvedRoute) Redacted() ResolvedRoute {
	out := r
	if len(r.Secrets) > 0 {
		out.Secrets = make(map[string]string, len(r.Secrets))
		for k := range r.Secrets {
			out.Secrets[k] = "[redacted]"
		}
	}
	return out
}
