// Package templates hosts the built-in connection route templates shipped
// with the binary. Each template is a YAML file describing one Route (spec
// C4); user-defined connectors in remote.config.json layer on top of these
// by alias.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/drawlatch/secure-mcp-proxy/internal/config"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Registry resolves built-in Route templates from an embedded filesystem.
// Mirrors internal/ruriko/templates/loader.go's Registry shape, minus Go
// text/template variable interpolation — these templates only carry
// `${VAR}` placeholders, resolved later by config.ResolveRoutes against a
// caller's environment, not by a template-rendering pass at load time.
type Registry struct {
	root fs.FS
}

// Default returns a Registry backed by the templates embedded in the binary.
func Default() *Registry {
	root, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		panic(fmt.Sprintf("templates: embedded builtin directory missing: %v", err))
	}
	return &Registry{root: root}
}

// NewRegistry builds a Registry over an arbitrary filesystem root, for
// tests or an operator-supplied override directory.
func NewRegistry(root fs.FS) *Registry {
	return &Registry{root: root}
}

// List returns the alias of every template in the registry.
func (r *Registry) List() ([]string, error) {
	entries, err := fs.ReadDir(r.root, ".")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// Routes loads and decodes every template into a Route keyed by alias.
func (r *Registry) Routes() (map[string]config.Route, error) {
	names, err := r.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]config.Route, len(names))
	for _, name := range names {
		route, err := r.route(name)
		if err != nil {
			return nil, err
		}
		out[route.Alias] = route
	}
	return out, nil
}

func (r *Registry) route(name string) (config.Route, error) {
	raw, err := fs.ReadFile(r.root, name+".yaml")
	if err != nil {
		return config.Route{}, fmt.Errorf("read template %s: %w", name, err)
	}
	var route config.Route
	if err := yaml.Unmarshal(raw, &route); err != nil {
		return config.Route{}, fmt.Errorf("parse template %s: %w", name, err)
	}
	return route, nil
}
