package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// schemaID is stamped into the exported schema so editors can cache it.
const schemaID = "https://github.com/haasonsaas/chatturn/config.schema.json"

// JSONSchema returns the JSON Schema of the config file. Property names
// follow the yaml tags, so the schema validates YAML and JSON5 files alike.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(&Config{})
	schema.ID = jsonschema.ID(schemaID)
	schema.Title = "chatturn configuration"
	schema.Description = fmt.Sprintf("Config file format version %d.", CurrentVersion)

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config schema: %w", err)
	}
	return out, nil
})
