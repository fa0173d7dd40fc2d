package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/siliconcrew/rtlagent/pkg/llm"
)

// ErrBadArgs is returned when tool arguments violate the declared schema.
var ErrBadArgs = errors.New("bad arguments")

// Schema exports a definition's parameters in the canonical
// JSON-schema-like shape consumed by both the LLM tool binding and the MCP
// list_tools response.
func Schema(def *Definition) map[string]any {
	properties := make(map[string]any, len(def.Params))
	var required []string

	for _, p := range def.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ToLLMTools converts the filtered tool set to the provider wire shape.
func (r *Registry) ToLLMTools(f Filter) []llm.Tool {
	defs := r.Visible(f)
	out := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  Schema(def),
			},
		})
	}
	return out
}

// ValidateArgs checks args against the definition, applying defaults. It
// returns a normalized copy or ErrBadArgs naming every offending field.
func ValidateArgs(def *Definition, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(def.Params))
	var problems []string

	for _, p := range def.Params {
		val, present := args[p.Name]
		if !present || val == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing %q", p.Name))
				continue
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}

		coerced, ok := coerce(val, p.Type)
		if !ok {
			problems = append(problems, fmt.Sprintf("%q must be %s", p.Name, p.Type))
			continue
		}
		if len(p.Enum) > 0 {
			s, _ := coerced.(string)
			if !contains(p.Enum, s) {
				problems = append(problems, fmt.Sprintf("%q must be one of %v", p.Name, p.Enum))
				continue
			}
		}
		out[p.Name] = coerced
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadArgs, strings.Join(problems, "; "))
	}
	return out, nil
}

// coerce checks (and where safe converts) a decoded JSON value against the
// declared type. JSON numbers arrive as float64.
func coerce(val any, typ string) (any, bool) {
	switch typ {
	case "string":
		s, ok := val.(string)
		return s, ok
	case "number":
		switch v := val.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
		return nil, false
	case "integer":
		switch v := val.(type) {
		case float64:
			if v == float64(int(v)) {
				return int(v), true
			}
			return nil, false
		case int:
			return v, true
		}
		return nil, false
	case "boolean":
		b, ok := val.(bool)
		return b, ok
	case "array":
		switch v := val.(type) {
		case []any:
			return v, true
		case []string:
			out := make([]any, len(v))
			for i, s := range v {
				out[i] = s
			}
			return out, true
		}
		return nil, false
	case "object":
		m, ok := val.(map[string]any)
		return m, ok
	default:
		return val, true
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// StringArg extracts a validated string argument.
func StringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// IntArg extracts a validated integer argument.
func IntArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// FloatArg extracts a validated number argument.
func FloatArg(args map[string]any, name string) float64 {
	switch v := args[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// BoolArg extracts a validated boolean argument.
func BoolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}

// StringSliceArg extracts a validated array-of-strings argument.
func StringSliceArg(args map[string]any, name string) []string {
	raw, _ := args[name].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
