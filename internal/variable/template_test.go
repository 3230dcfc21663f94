package variable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var templateData = []byte(`{
	"trigger": {"body": {"name": "Ann", "count": 3, "tags": ["a", "b"]}},
	"steps": {"fetch": {"status": 200}}
}`)

func TestRender_SingleExpressionKeepsType(t *testing.T) {
	assert.Equal(t, float64(3), Render("{{ trigger.body.count }}", templateData))
	assert.Equal(t, []any{"a", "b"}, Render("{{trigger.body.tags}}", templateData))
	assert.Equal(t, "Ann", Render("  {{ trigger.body.name }} ", templateData))
}

func TestRender_MissingReference(t *testing.T) {
	assert.Nil(t, Render("{{ trigger.body.unknown }}", templateData))
	assert.Equal(t, "ab", Render("a{{ nope }}b", templateData))
	assert.Nil(t, Render("{{ x }}", nil))
}

func TestRender_Interpolation(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"string", "Hello, {{ trigger.body.name }}!", "Hello, Ann!"},
		{"number", "status={{ steps.fetch.status }}", "status=200"},
		{"array as JSON", "tags: {{ trigger.body.tags }}", `tags: ["a", "b"]`},
		{"two expressions", "{{ trigger.body.name }}/{{ trigger.body.count }}", "Ann/3"},
		{"no template", "plain", "plain"},
		{"unclosed", "a {{ b", "a {{ b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Render(tt.template, templateData))
			assert.Equal(t, tt.expected, RenderString(tt.template, templateData))
		})
	}
}

func TestRender_Nested(t *testing.T) {
	value := map[string]any{
		"url":   "https://example.com/{{ trigger.body.name }}",
		"count": "{{ trigger.body.count }}",
		"list":  []any{"{{ steps.fetch.status }}", true},
		"n":     float64(1),
	}

	got := Render(value, templateData)

	assert.Equal(t, map[string]any{
		"url":   "https://example.com/Ann",
		"count": float64(3),
		"list":  []any{float64(200), true},
		"n":     float64(1),
	}, got)
}
