package policy

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemaURL is the resource name the compiled schema is registered
// under. Purely local; never fetched.
const payloadSchemaURL = "https://valdrix.schemas.local/enforcement/policy.schema.json"

// payloadSchema validates an incoming policy payload before it is
// canonicalized and versioned. Monetary fields accept decimal strings or
// bare numbers; the money codec does the lossless parse afterwards.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version"],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "terraform_mode_prod": {"$ref": "#/$defs/mode"},
    "terraform_mode_nonprod": {"$ref": "#/$defs/mode"},
    "k8s_mode_prod": {"$ref": "#/$defs/mode"},
    "k8s_mode_nonprod": {"$ref": "#/$defs/mode"},
    "plan_monthly_ceiling_usd": {"$ref": "#/$defs/usd"},
    "enterprise_monthly_ceiling_usd": {"$ref": "#/$defs/usd"},
    "approval_routing_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["allowed_reviewer_roles"],
        "properties": {
          "id": {"type": "string"},
          "priority": {"type": "integer"},
          "env": {"type": "string"},
          "action_prefix": {"type": "string"},
          "monthly_delta_threshold": {"$ref": "#/$defs/usd"},
          "risk_level": {"enum": ["low", "medium", "high", "critical"]},
          "allowed_reviewer_roles": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "quorum": {"type": "integer", "minimum": 1},
          "match_cel": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "requester_reviewer_separation": {
      "type": "object",
      "properties": {
        "prod": {"type": "boolean"},
        "nonprod": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "action_max_attempts": {"type": "integer", "minimum": 1},
    "action_retry_backoff_seconds": {"type": "integer", "minimum": 0},
    "action_lease_ttl_seconds": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false,
  "$defs": {
    "mode": {"enum": ["SHADOW", "SOFT", "HARD"]},
    "usd": {
      "anyOf": [
        {"type": "string", "pattern": "^[+-]?[0-9]*\\.?[0-9]{1,6}$|^[+-]?[0-9]+\\.?$"},
        {"type": "number"}
      ]
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(payloadSchemaURL, strings.NewReader(payloadSchema)); err != nil {
		panic("policy: schema resource: " + err.Error())
	}
	return c.MustCompile(payloadSchemaURL)
}
