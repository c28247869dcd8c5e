package streamrpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schemaSet holds the compiled per-method request schemas. Inbound request
// payloads for a method with an attached schema are validated before the
// handler runs; failures are rejected with an ErrorResponse and the handler
// never sees them.
type schemaSet struct {
	byMethod map[string]*gojsonschema.Schema
}

// compileSchemas compiles the raw JSON Schema documents attached via
// WithRequestSchema. A schema that does not compile is a construction
// error.
func compileSchemas(raw map[string]string) (*schemaSet, error) {
	if len(raw) == 0 {
		return &schemaSet{}, nil
	}
	set := &schemaSet{byMethod: make(map[string]*gojsonschema.Schema, len(raw))}
	for method, doc := range raw {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("compile schema for method %s: %w", method, err)
		}
		set.byMethod[method] = schema
	}
	return set, nil
}

// validate checks payload against the schema attached to method. Methods
// without a schema always pass. The returned error describes every failed
// constraint.
func (s *schemaSet) validate(method string, payload json.RawMessage) error {
	if s.byMethod == nil {
		return nil
	}
	schema, ok := s.byMethod[method]
	if !ok {
		return nil
	}

	doc := payload
	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate payload for %s: %w", method, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("payload for %s rejected: %s", method, strings.Join(details, "; "))
}
