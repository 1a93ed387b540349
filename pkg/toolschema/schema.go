// Package toolschema exposes catalog tools to LLM providers and turns the
// providers' tool calls back into execution requests.
package toolschema

import (
	"regexp"
	"sort"

	"github.com/harun/toolengine/pkg/toolexecutor"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

const maxNameLength = 64

// ProviderName converts a tool id into a name accepted by the Anthropic and
// OpenAI APIs: letters, digits, underscore and dash, at most 64 characters.
func ProviderName(toolID string) string {
	name := invalidNameChars.ReplaceAllString(toolID, "_")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

// InputSchema renders the tool's parameters as a JSON Schema object.
func InputSchema(tool *toolexecutor.Tool) map[string]interface{} {
	properties := make(map[string]interface{}, len(tool.Parameters))
	required := []string{}
	for _, p := range tool.Parameters {
		prop := typeSchema(p.Type)
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		applyRules(prop, p.Type.Kind, p.Rules)
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)

	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func typeSchema(t toolexecutor.ParameterType) map[string]interface{} {
	switch t.Kind {
	case toolexecutor.ParamString:
		return map[string]interface{}{"type": "string"}
	case toolexecutor.ParamInteger:
		return map[string]interface{}{"type": "integer"}
	case toolexecutor.ParamFloat:
		return map[string]interface{}{"type": "number"}
	case toolexecutor.ParamBoolean:
		return map[string]interface{}{"type": "boolean"}
	case toolexecutor.ParamFilePath:
		return map[string]interface{}{"type": "string", "format": "path"}
	case toolexecutor.ParamURL:
		return map[string]interface{}{"type": "string", "format": "uri"}
	case toolexecutor.ParamEnum:
		values := make([]interface{}, len(t.Values))
		for i, v := range t.Values {
			values[i] = v
		}
		return map[string]interface{}{"type": "string", "enum": values}
	case toolexecutor.ParamArray:
		s := map[string]interface{}{"type": "array"}
		if t.Items != nil {
			s["items"] = typeSchema(*t.Items)
		}
		return s
	case toolexecutor.ParamObject, toolexecutor.ParamJSON:
		s := make(map[string]interface{}, len(t.Schema)+1)
		for k, v := range t.Schema {
			s[k] = v
		}
		if _, ok := s["type"]; !ok && t.Kind == toolexecutor.ParamObject {
			s["type"] = "object"
		}
		return s
	default:
		return map[string]interface{}{}
	}
}

func applyRules(s map[string]interface{}, kind toolexecutor.ParameterKind, r *toolexecutor.ValidationRules) {
	if r == nil {
		return
	}
	if r.Min != nil {
		s["minimum"] = *r.Min
	}
	if r.Max != nil {
		s["maximum"] = *r.Max
	}
	lengthKeys := [2]string{"minLength", "maxLength"}
	if kind == toolexecutor.ParamArray {
		lengthKeys = [2]string{"minItems", "maxItems"}
	}
	if r.MinLength != nil {
		s[lengthKeys[0]] = *r.MinLength
	}
	if r.MaxLength != nil {
		s[lengthKeys[1]] = *r.MaxLength
	}
	if r.Pattern != "" {
		s["pattern"] = r.Pattern
	}
}
