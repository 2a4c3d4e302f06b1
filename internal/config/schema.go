package config

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// remoteConfigSchema is the JSON Schema remote.config.json must satisfy
// before it is decoded into a typed Config. The teacher's gosuto package
// validates its YAML config by hand, field by field, in validate.go; here
// that same job is done declaratively since jsonschema/v5 is already part
// of the module's dependency graph.
const remoteConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["host", "port", "localKeysDir", "callers", "rateLimitPerMinute"],
  "properties": {
    "host": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "localKeysDir": {"type": "string", "minLength": 1},
    "rateLimitPerMinute": {"type": "integer", "minimum": 1},
    "callers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["peerKeyDir", "connections"],
        "properties": {
          "name": {"type": "string"},
          "peerKeyDir": {"type": "string", "minLength": 1},
          "connections": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "role": {"type": "string", "enum": ["admin", "user"]},
          "ingestorOverrides": {
            "type": "object",
            "additionalProperties": {"type": "object", "additionalProperties": {"type": "string"}}
          }
        }
      }
    },
    "connectors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["alias", "allowedEndpoints"],
        "properties": {
          "alias": {"type": "string", "minLength": 1},
          "baseURL": {"type": "string"},
          "allowedEndpoints": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "secrets": {"type": "object", "additionalProperties": {"type": "string"}},
          "headers": {"type": "object", "additionalProperties": {"type": "string"}},
          "nonOverridableHeaders": {"type": "array", "items": {"type": "string"}},
          "ingestor": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": {"type": "string", "enum": ["discord", "github", "stripe", "trello", "poll"]},
              "config": {"type": "object", "additionalProperties": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

const schemaResourceName = "remote-config.schema.json"

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResourceName, bytes.NewReader([]byte(remoteConfigSchema))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
