package normalizer

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/trailproof/core/pkg/contracts"
)

// Payload schemas per source variant. These gate the shape of the raw payload
// before any write happens; a record that fails here is rejected whole.
var payloadSchemas = map[contracts.SourceSystem]string{
	contracts.SourceGitHub: `{
		"type": "object",
		"properties": {
			"title":     {"type": "string", "minLength": 1},
			"body":      {"type": "string"},
			"merged":    {"type": "boolean"},
			"merged_at": {"type": "string"},
			"reviewers": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["title"]
	}`,
	contracts.SourceJira: `{
		"type": "object",
		"properties": {
			"summary":     {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"status":      {"type": "string", "minLength": 1}
		},
		"required": ["summary", "status"]
	}`,
	contracts.SourceGoogleDrive: `{
		"type": "object",
		"properties": {
			"name":        {"type": "string", "minLength": 1},
			"mime_type":   {"type": "string"},
			"revision_id": {"type": "string"}
		},
		"required": ["name"]
	}`,
}

type schemaSet map[contracts.SourceSystem]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	set := make(schemaSet, len(payloadSchemas))
	for system, raw := range payloadSchemas {
		schema, err := jsonschema.CompileString(string(system)+".json", raw)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s payload schema: %w", system, err)
		}
		set[system] = schema
	}
	return set, nil
}
