package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema describes the accepted shape of a config file. Durations accept Go
// duration strings ("30s") or integer nanoseconds.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {
      "oneOf": [
        {"type": "string", "pattern": "^-?([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$|^0$"},
        {"type": "integer"}
      ]
    },
    "env": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean"]}
    }
  },
  "properties": {
    "agent": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}},
        "env": {"$ref": "#/definitions/env"},
        "project_env": {"$ref": "#/definitions/env"},
        "init_timeout": {"$ref": "#/definitions/duration"},
        "request_timeout": {"$ref": "#/definitions/duration"},
        "turn_timeout": {"$ref": "#/definitions/duration"},
        "stop_grace": {"$ref": "#/definitions/duration"},
        "cancel_grace": {"$ref": "#/definitions/duration"},
        "max_frame_bytes": {"type": "integer", "minimum": 0}
      }
    },
    "workspace": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mode": {"enum": ["per_chat", "fixed"]},
        "root": {"type": "string"},
        "fixed_dir": {"type": "string"}
      }
    },
    "session": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "idle_timeout": {"$ref": "#/definitions/duration"},
        "sweep_interval": {"$ref": "#/definitions/duration"},
        "permission_timeout": {"$ref": "#/definitions/duration"},
        "cancel_keywords": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "platforms": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "workspace_mode": {"enum": ["per_chat", "fixed"]},
          "workspace_root": {"type": "string"},
          "fixed_dir": {"type": "string"},
          "idle_timeout": {"$ref": "#/definitions/duration"},
          "permission_timeout": {"$ref": "#/definitions/duration"}
        }
      }
    },
    "telegram": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "bot_token": {"type": "string"},
        "allowlist": {"type": "array", "items": {"type": "integer"}},
        "require_mention_in_groups": {"type": "boolean"}
      }
    },
    "gateway": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "shared_secret": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "audit_file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "data_dir": {"type": "string"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// validateSchema checks decoded config settings against Schema.
func validateSchema(settings map[string]interface{}) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
