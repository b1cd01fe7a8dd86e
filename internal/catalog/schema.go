// ABOUTME: Strict argument validation using the tool's full JSON Schema
// ABOUTME: Compiled schemas are cached per tool and dropped when the tool goes away

package catalog

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type compiledSchema struct {
	raw    []byte
	schema *jsonschema.Schema
}

// SchemaValidator validates argument values against a tool's inputSchema.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]compiledSchema
}

// NewSchemaValidator creates a validator with an empty cache.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]compiledSchema)}
}

// Validate checks args against def.InputSchema. Tools without a schema
// accept anything.
func (v *SchemaValidator) Validate(def ToolDefinition, args any) error {
	if len(bytes.TrimSpace(def.InputSchema)) == 0 {
		return nil
	}
	schema, err := v.compiled(def)
	if err != nil {
		return err
	}
	return schema.Validate(args)
}

// Forget drops the cached schema for toolName.
func (v *SchemaValidator) Forget(toolName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, toolName)
}

// cached reports whether a compiled schema is held for toolName.
func (v *SchemaValidator) cached(toolName string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.cache[toolName]
	return ok
}

func (v *SchemaValidator) compiled(def ToolDefinition) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.cache[def.Name]; ok && bytes.Equal(c.raw, def.InputSchema) {
		return c.schema, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := def.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[def.Name] = compiledSchema{raw: append([]byte(nil), def.InputSchema...), schema: schema}
	return schema, nil
}
