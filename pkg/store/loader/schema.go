package loader

// definitionSchema is the JSON Schema for workflow definition files. It
// rejects unknown top-level fields so typos like "depends" fail loudly.
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 3},
		"description": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"schedule": {"type": "string"},
		"default_retry": {"$ref": "#/definitions/retry"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["name", "callable"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"callable": {"type": "string", "minLength": 1},
					"depends_on": {"type": "array", "items": {"type": "string"}},
					"args": {"type": "object"},
					"retry": {"$ref": "#/definitions/retry"},
					"execution_timeout": {"type": "string"},
					"dispatch_timeout": {"type": "string"}
				}
			}
		}
	},
	"definitions": {
		"retry": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_attempts": {"type": "integer", "minimum": 1},
				"base_delay": {"type": "string"},
				"max_delay": {"type": "string"}
			}
		}
	}
}`
