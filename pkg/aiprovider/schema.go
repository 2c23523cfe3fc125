package aiprovider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema is a provider-neutral description of the expected structured output.
//
// Adapters serialize it into their provider's dialect (Gemini's responseSchema
// uses upper-case type names, OpenAI's response_format takes plain JSON
// Schema) and Validate checks a returned document against it before the
// adapter reports success. A document that fails validation is a
// malformed-output failure of that attempt, not a crash.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	MinItems    int                `json:"minItems,omitempty"`
	MaxItems    int                `json:"maxItems,omitempty"`
}

// Schema type names (lower-case canonical form).
const (
	TypeObject = "object"
	TypeArray  = "array"
	TypeString = "string"
	TypeNumber = "number"
)

// GeminiDialect renders the schema with upper-case type names as the Gemini
// generateContent responseSchema field expects.
func (s *Schema) GeminiDialect() map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{"type": strings.ToUpper(s.Type)}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.GeminiDialect()
		}
		out["properties"] = props
	}
	if s.Items != nil {
		out["items"] = s.Items.GeminiDialect()
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	if s.MinItems > 0 {
		out["minItems"] = s.MinItems
	}
	if s.MaxItems > 0 {
		out["maxItems"] = s.MaxItems
	}
	return out
}

// ValidationError describes the first constraint a document violated.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.Path, e.Reason)
}

// Validate checks raw (a JSON document) against the schema and returns a
// *ValidationError on the first violation.
func (s *Schema) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Path: "$", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return s.validate(doc, "$")
}

func (s *Schema) validate(doc any, path string) error {
	switch s.Type {
	case TypeObject:
		obj, ok := doc.(map[string]any)
		if !ok {
			return &ValidationError{Path: path, Reason: "expected object"}
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return &ValidationError{Path: path, Reason: "missing required property " + name}
			}
		}
		for name, propSchema := range s.Properties {
			value, present := obj[name]
			if !present {
				continue
			}
			if err := propSchema.validate(value, path+"."+name); err != nil {
				return err
			}
		}

	case TypeArray:
		arr, ok := doc.([]any)
		if !ok {
			return &ValidationError{Path: path, Reason: "expected array"}
		}
		if s.MinItems > 0 && len(arr) < s.MinItems {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("expected at least %d items, got %d", s.MinItems, len(arr))}
		}
		if s.MaxItems > 0 && len(arr) > s.MaxItems {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("expected at most %d items, got %d", s.MaxItems, len(arr))}
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}

	case TypeString:
		if _, ok := doc.(string); !ok {
			return &ValidationError{Path: path, Reason: "expected string"}
		}

	case TypeNumber:
		if _, ok := doc.(float64); !ok {
			return &ValidationError{Path: path, Reason: "expected number"}
		}
	}

	return nil
}
