package config

import (
	"encoding/json"
	"os"

	"github.com/drawlatch/secure-mcp-proxy/internal/proxyerr"
)

// Load reads and validates remote.config.json at path, returning a typed
// Config. Validation failures and decode failures are both surfaced as
// proxyerr.BadConfig.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "read config file %s", path)
	}
	return Parse(raw)
}

// Parse validates and decodes raw remote.config.json bytes.
func Parse(raw []byte) (*Config, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "config is not valid JSON")
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "compile config schema")
	}
	if err := schema.Validate(generic); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "config failed schema validation")
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadConfig, err, "decode config")
	}
	return &cfg, nil
}
