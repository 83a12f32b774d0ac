package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/google/generative-ai-go/genai"

	"github.com/user/calclaw/pkg/llm"
)

// jsonSchema is the subset of JSON Schema the tool registry emits.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Format      string                 `json:"format"`
	Enum        []string               `json:"enum"`
	Items       *jsonSchema            `json:"items"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
}

func toDeclarations(tools []llm.Tool) ([]*genai.FunctionDeclaration, error) {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if len(t.Function.Parameters) > 0 {
			var s jsonSchema
			if err := json.Unmarshal(t.Function.Parameters, &s); err != nil {
				return nil, fmt.Errorf("gemini: parameters of %s: %w", t.Function.Name, err)
			}
			// Gemini rejects an object schema with no properties.
			if len(s.Properties) > 0 {
				decl.Parameters = toSchema(&s)
			}
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func toSchema(s *jsonSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        schemaType(s.Type),
		Description: s.Description,
		Enum:        s.Enum,
		Required:    s.Required,
	}
	// Gemini accepts only "enum" and "date-time" string formats.
	if s.Format == "date-time" || s.Format == "enum" {
		out.Format = s.Format
	}
	if s.Items != nil {
		out.Items = toSchema(s.Items)
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toSchema(prop)
		}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	}
	return genai.TypeString
}
