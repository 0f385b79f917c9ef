package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for mentor.policy.yaml.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "mentor.policy.yaml",
  "type": "object",
  "required": ["version", "governance"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "name": {"type": "string"},
    "governance": {
      "type": "object",
      "additionalProperties": false,
      "required": ["max_assistance_level", "hard_assistance_threshold"],
      "properties": {
        "max_assistance_level": {"type": "number", "minimum": 0, "maximum": 1},
        "hard_assistance_threshold": {"type": "number", "minimum": 0, "maximum": 1},
        "block_delegation": {"type": "boolean"},
        "require_justification": {"type": "boolean"},
        "abort_on_lock": {"type": "boolean"},
        "history_window": {"type": "integer", "minimum": 1},
        "min_history_for_lock": {"type": "integer", "minimum": 1},
        "risk_thresholds": {
          "type": "object",
          "propertyNames": {"enum": ["cognitive", "ethical", "epistemic", "technical", "governance"]},
          "additionalProperties": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
        }
      }
    },
    "risk_analysis": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "delegation_count": {"type": "integer", "minimum": 1},
        "dependency_average": {"type": "number", "minimum": 0, "maximum": 1},
        "dependency_window": {"type": "integer", "minimum": 1},
        "dependency_min_samples": {"type": "integer", "minimum": 1},
        "unjustified_ratio": {"type": "number", "minimum": 0, "maximum": 1},
        "unjustified_min_decisions": {"type": "integer", "minimum": 1},
        "unmodified_acceptances": {"type": "integer", "minimum": 1},
        "prolonged_state_minutes": {"type": "integer", "minimum": 1},
        "pii_exposure_count": {"type": "integer", "minimum": 1},
        "integrity_retry_count": {"type": "integer", "minimum": 1},
        "degradation_window": {"type": "integer", "minimum": 1},
        "degradation_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "traces": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "dependency_half_life": {"type": "number", "exclusiveMinimum": 0},
        "episode_idle_minutes": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

// ValidateSchema checks raw policy YAML against the JSON schema. Unknown
// keys are errors so a misspelt threshold cannot silently fall back to a default.
func ValidateSchema(content []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaV1),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}
	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
