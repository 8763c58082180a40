package dispatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdispatch/internal/domain"
)

func TestFillTemplate(t *testing.T) {
	args := domain.Arguments{
		"name":  "Ada",
		"n":     3,
		"flag":  true,
		"user":  map[string]any{"city": "London", "zip": nil},
		"items": []any{"a", "b"},
	}
	tests := []struct {
		tmpl string
		want string
	}{
		{"Hello {name}", "Hello Ada"},
		{"{name} has {n} tasks", "Ada has 3 tasks"},
		{"flag={flag}", "flag=true"},
		{"from {user.city}", "from London"},
		{"zip:{user.zip}", "zip:"},
		{"list {items}", `list ["a","b"]`},
		{"{{literal}} {name}", "{literal} Ada"},
		{"{ name }", "Ada"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		got, err := FillTemplate(tt.tmpl, args)
		if err != nil {
			t.Errorf("FillTemplate(%q): %v", tt.tmpl, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FillTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestFillTemplateErrors(t *testing.T) {
	for _, tmpl := range []string{"Hello {missing}", "Hello {name", "{user.country}", "{}"} {
		_, err := FillTemplate(tmpl, domain.Arguments{"name": "x", "user": map[string]any{"city": "y"}})
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("FillTemplate(%q) err = %v, want ValidationError", tmpl, err)
		}
	}
}

func TestSchemaValidator(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"type": "integer", "minimum": 0}},
		"required": ["n"]
	}`)
	v, err := NewSchemaValidator(schema)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.NoError(t, v.Validate(domain.Arguments{"n": 4}))

	err = v.Validate(domain.Arguments{"n": -1})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.Error(t, v.Validate(domain.Arguments{"other": 1}))
}

func TestNilSchemaValidatorAcceptsAll(t *testing.T) {
	v, err := NewSchemaValidator(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, v.Validate(domain.Arguments{"anything": "goes"}))
}
