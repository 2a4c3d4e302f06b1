package templates_test

import (
	"testing"

	"github.com/drawlatch/secure-mcp-proxy/internal/config/templates"
)

func TestDefaultRegistryListsBuiltins(t *testing.T) {
	reg := templates.Default()
	names, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := map[string]bool{"github": false, "stripe": false, "trello": false, "discord": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected built-in template %q, not found in %v", name, names)
		}
	}
}

func TestDefaultRegistryRoutesDecodeAlias(t *testing.T) {
	reg := templates.Default()
	routes, err := reg.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}

	github, ok := routes["github"]
	if !ok {
		t.Fatal("expected github route")
	}
	if len(github.AllowedEndpoints) == 0 {
		t.Error("expected github route to declare allowedEndpoints")
	}
	if github.Ingestor == nil || github.Ingestor.Type != "github" {
		t.Errorf("expected github route to declare a github ingestor, got %+v", github.Ingestor)
	}
}
