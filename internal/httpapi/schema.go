package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaPush = "push.json"
	schemaPull = "pull.json"
	schemaPoke = "poke.json"
)

const clientViewSchema = `{
	"type": ["object", "null"],
	"properties": {
		"name": {"type": "string"},
		"id": {"type": "string"}
	}
}`

var requestSchemaSources = map[string]string{
	schemaPush: `{
		"type": "object",
		"required": ["mutations"],
		"properties": {
			"clientGroupID": {"type": "string"},
			"clientID": {"type": "string"},
			"clientView": ` + clientViewSchema + `,
			"cookie": {"type": ["string", "null"]},
			"mutations": {
				"type": "array",
				"maxItems": 1000,
				"items": {
					"type": "object",
					"required": ["id", "name"],
					"properties": {
						"clientID": {"type": "string"},
						"id": {"type": "integer", "minimum": 1},
						"name": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}`,
	schemaPull: `{
		"type": "object",
		"properties": {
			"clientGroupID": {"type": "string"},
			"clientID": {"type": "string"},
			"clientView": ` + clientViewSchema + `,
			"cookie": {"type": ["string", "null"]}
		}
	}`,
	schemaPoke: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "maxLength": 200}
		}
	}`,
}

type requestSchemas struct {
	compiled map[string]*jsonschema.Schema
}

func mustCompileSchemas() *requestSchemas {
	compiler := jsonschema.NewCompiler()
	for name, source := range requestSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			panic(fmt.Sprintf("httpapi: schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("httpapi: schema %s: %v", name, err))
		}
	}
	out := &requestSchemas{compiled: map[string]*jsonschema.Schema{}}
	for name := range requestSchemaSources {
		schema, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("httpapi: compile %s: %v", name, err))
		}
		out.compiled[name] = schema
	}
	return out
}

func (s *requestSchemas) validate(name string, body []byte) error {
	schema, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
