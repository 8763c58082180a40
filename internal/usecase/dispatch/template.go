package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"subdispatch/internal/domain"
)

// FillTemplate substitutes {name} and {nested.path} placeholders from args.
// "{{" and "}}" produce literal braces. A placeholder with no matching
// argument is a *domain.ValidationError.
func FillTemplate(template string, args domain.Arguments) (string, error) {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", &domain.ValidationError{Detail: fmt.Sprintf("unterminated placeholder at offset %d", i)}
			}
			name := strings.TrimSpace(template[i+1 : i+1+end])
			v, ok := lookupPath(args, name)
			if !ok {
				return "", &domain.ValidationError{Detail: fmt.Sprintf("missing argument for placeholder {%s}", name)}
			}
			b.WriteString(formatValue(v))
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func lookupPath(args domain.Arguments, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(args)
	for _, part := range strings.Split(path, ".") {
		var m map[string]any
		switch tv := cur.(type) {
		case map[string]any:
			m = tv
		case domain.Arguments:
			m = tv
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func formatValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case map[string]any, domain.Arguments, []any:
		data, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return string(data)
	default:
		return fmt.Sprint(tv)
	}
}

// SchemaValidator checks argument mappings against a capability's input schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles raw. An empty or null schema yields a nil
// validator, which accepts everything.
func NewSchemaValidator(raw json.RawMessage) (*SchemaValidator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate returns a *domain.ValidationError when args do not satisfy the schema.
func (v *SchemaValidator) Validate(args domain.Arguments) error {
	if v == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema sees on the wire.
	data, err := json.Marshal(args)
	if err != nil {
		return &domain.ValidationError{Detail: fmt.Sprintf("encode arguments: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &domain.ValidationError{Detail: fmt.Sprintf("decode arguments: %v", err)}
	}
	result := v.schema.Validate(doc)
	if !result.IsValid() {
		return &domain.ValidationError{Detail: fmt.Sprintf("arguments do not match input schema: %s", result.Error())}
	}
	return nil
}
