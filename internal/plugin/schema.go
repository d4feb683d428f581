package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateConfig checks cfg against the manifest's config_schema. A manifest
// without a schema accepts any config.
func validateConfig(m *Manifest, cfg map[string]any) error {
	if len(m.ConfigSchema) == 0 {
		return nil
	}

	// Both sides go through JSON so YAML ints and nested maps reach the
	// validator as json.Number and map[string]any.
	schemaDoc, err := toJSONDoc(m.ConfigSchema)
	if err != nil {
		return fmt.Errorf("config_schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := m.Name + "-config.json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return fmt.Errorf("add config_schema: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile config_schema: %w", err)
	}

	if cfg == nil {
		cfg = map[string]any{}
	}
	doc, err := toJSONDoc(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match config_schema: %w", err)
	}
	return nil
}

func toJSONDoc(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
