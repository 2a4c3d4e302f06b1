package config

import (
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// Resolver merges a loaded Config with a registry of built-in route
// templates and resolves them into per-caller ResolvedRoute values.
type Resolver struct {
	cfg       *Config
	templates map[string]Route
}

// NewResolver builds a Resolver over cfg's user-defined connectors plus any
// built-in templates (keyed by alias) supplied by the caller — typically
// config/templates.Registry.Routes().
func NewResolver(cfg *Config, builtinTemplates map[string]Route) *Resolver {
	all := make(map[string]Route, len(builtinTemplates)+len(cfg.Connectors))
	for alias, r := range builtinTemplates {
		all[alias] = r
	}
	for _, r := range cfg.Connectors {
		all[r.Alias] = r // user-defined connectors take precedence over built-ins of the same alias
	}
	return &Resolver{cfg: cfg, templates: all}
}

// ResolveCallerRoutes returns, in the caller's declared order, the raw Route
// objects the caller has enabled. An unknown caller alias or an enabled
// connection with no matching route is a config error.
func (r *Resolver) ResolveCallerRoutes(callerAlias string) ([]Route, error) {
	caller, ok := r.cfg.Callers[callerAlias]
	if !ok {
		return nil, proxyerr.New(proxyerr.UnknownCaller, "no caller configured with alias %q", callerAlias)
	}

	routes := make([]Route, 0, len(caller.Connections))
	for _, alias := range caller.Connections {
		route, ok := r.templates[alias]
		if !ok {
			return nil, proxyerr.New(proxyerr.BadConfig, "caller %q enables connection %q which matches no connector or built-in template", callerAlias, alias)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// ResolveSecrets expands `${VAR}` placeholders in values against callerEnv
// overlaid on the process environment. Missing references are reported as
// MissingSecret.
func ResolveSecrets(values map[string]string, callerEnv map[string]string) (map[string]string, error) {
	lookup := func(name string) (string, bool) {
		if v, ok := callerEnv[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}

	out := make(map[string]string, len(values))
	for key, raw := range values {
		resolved, err := substitute(raw, lookup)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// PlaceholderNames returns every ${VAR} name referenced in s, without
// resolving them — used by admin_get_secret_status to report which
// variables a caller's routes depend on.
func PlaceholderNames(s string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(s, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

func substitute(raw string, lookup func(string) (string, bool)) (string, error) {
	var firstErr error
	result := placeholderPattern.ReplaceAllStringFunc(raw, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := lookup(name)
		if !ok {
			firstErr = proxyerr.New(proxyerr.MissingSecret, "%s", name)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// ResolveRoutes substitutes every placeholder in rawRoutes' AllowedEndpoints,
// Headers, Secrets, and Ingestor.Config against callerEnv.
func ResolveRoutes(rawRoutes []Route, callerEnv map[string]string) ([]ResolvedRoute, error) {
	out := make([]ResolvedRoute, 0, len(rawRoutes))
	for _, raw := range rawRoutes {
		resolved, err := resolveOne(raw, callerEnv)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func resolveOne(raw Route, callerEnv map[string]string) (ResolvedRoute, error) {
	lookup := func(name string) (string, bool) {
		if v, ok := callerEnv[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}

	secrets, err := ResolveSecrets(raw.Secrets, callerEnv)
	if err != nil {
		return ResolvedRoute{}, err
	}

	endpoints := make([]string, len(raw.AllowedEndpoints))
	for i, ep := range raw.AllowedEndpoints {
		v, err := substitute(ep, lookup)
		if err != nil {
			return ResolvedRoute{}, err
		}
		endpoints[i] = v
	}

	baseURL, err := substitute(raw.BaseURL, lookup)
	if err != nil {
		return ResolvedRoute{}, err
	}
	if baseURL == "" && len(endpoints) > 0 {
		baseURL, _ = SchemeHost(endpoints[0])
	}

	headers := make(map[string]string, len(raw.Headers))
	for k, v := range raw.Headers {
		resolved, err := substitute(v, lookup)
		if err != nil {
			return ResolvedRoute{}, err
		}
		headers[k] = resolved
	}

	nonOverridable := make(map[string]bool, len(raw.NonOverridable))
	for _, h := range raw.NonOverridable {
		nonOverridable[http.CanonicalHeaderKey(h)] = true
	}

	var ingestor *ResolvedIngestor
	if raw.Ingestor != nil {
		cfg := make(map[string]string, len(raw.Ingestor.Config))
		for k, v := range raw.Ingestor.Config {
			resolved, err := substitute(v, lookup)
			if err != nil {
				return ResolvedRoute{}, err
			}
			cfg[k] = resolved
		}
		ingestor = &ResolvedIngestor{Type: raw.Ingestor.Type, Config: cfg}
	}

	return ResolvedRoute{
		Alias:            raw.Alias,
		BaseURL:          baseURL,
		AllowedEndpoints: endpoints,
		Secrets:          secrets,
		Headers:          headers,
		NonOverridable:   nonOverridable,
		Ingestor:         ingestor,
	}, nil
}

// SchemeHost splits "scheme://host" off the front of a URL, discarding the
// path/query remainder. Used to derive a route's default BaseURL from its
// first allowed-endpoint pattern when one isn't configured explicitly.
func SchemeHost(url string) (schemeHost string, ok bool) {
	s, _ := splitSchemeHost(url)
	return s, strings.Contains(s, "://")
}

// MatchRoute returns the resolved route named connectionAlias, or
// UnknownConnection if none matches.
func MatchRoute(connectionAlias string, routes []ResolvedRoute) (ResolvedRoute, error) {
	for _, r := range routes {
		if r.Alias == connectionAlias {
			return r, nil
		}
	}
	return ResolvedRoute{}, proxyerr.New(proxyerr.UnknownConnection, "no connection named %q", connectionAlias)
}

// IsEndpointAllowed reports whether url matches any of the glob patterns in
// allowed. `**` matches any path prefix. Scheme+host are matched
// case-sensitively; path is matched case-insensitively; the query string is
// only considered when the pattern itself includes a `?`.
func IsEndpointAllowed(url string, allowed []string) bool {
	for _, pattern := range allowed {
		if endpointMatches(url, pattern) {
			return true
		}
	}
	return false
}

func endpointMatches(url, pattern string) bool {
	urlSchemeHost, urlRest := splitSchemeHost(url)
	patSchemeHost, patRest := splitSchemeHost(pattern)

	if urlSchemeHost != patSchemeHost {
		return false
	}

	if !strings.Contains(pattern, "?") {
		// Strip query string from the URL side before matching the path.
		if idx := strings.IndexByte(urlRest, '?'); idx >= 0 {
			urlRest = urlRest[:idx]
		}
		if idx := strings.IndexByte(patRest, '?'); idx >= 0 {
			patRest = patRest[:idx]
		}
	}

	return globMatchSegments(strings.ToLower(patRest), strings.ToLower(urlRest))
}

// splitSchemeHost splits "scheme://host" from the remainder ("/path?query").
func splitSchemeHost(s string) (schemeHost, rest string) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return s, ""
	}
	afterScheme := idx + 3
	slash := strings.IndexByte(s[afterScheme:], '/')
	if slash < 0 {
		return s, ""
	}
	return s[:afterScheme+slash], s[afterScheme+slash:]
}

// globMatchSegments implements the minimal glob dialect spec requires: `**`
// matches any sequence of characters (including `/`), `*` matches any
// sequence excluding `/`, everything else is literal.
func globMatchSegments(pattern, s string) bool {
	for {
		switch {
		case pattern == "":
			return s == ""
		case strings.HasPrefix(pattern, "**"):
			rest := pattern[2:]
			if rest == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchSegments(rest, s[i:]) {
					return true
				}
			}
			return false
		case strings.HasPrefix(pattern, "*"):
			rest := pattern[1:]
			for i := 0; i <= len(s); i++ {
				if strings.ContainsRune(s[:i], '/') {
					break
				}
				if globMatchSegments(rest, s[i:]) {
					return true
				}
			}
			return false
		case s == "":
			return false
		case pattern[0] == s[0]:
			pattern = pattern[1:]
			s = s[1:]
		default:
			return false
		}
	}
}
