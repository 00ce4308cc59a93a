package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{"empty text", "", map[string]string{"a": "b"}, ""},
		{"no variables", "summarize {{fetch}}", nil, "summarize {{fetch}}"},
		{"single substitution", "summarize {{fetch}}", map[string]string{"fetch": "the notes"}, "summarize the notes"},
		{"unknown preserved", "{{a}} and {{b}}", map[string]string{"a": "1"}, "1 and {{b}}"},
		{"repeated", "{{a}}{{a}}", map[string]string{"a": "x"}, "xx"},
		{"todo id characters", "{{step-1.out}}", map[string]string{"step-1.out": "ok"}, "ok"},
		{"inner spaces", "{{ fetch }}", map[string]string{"fetch": "done"}, "done"},
		{"empty value", "a{{e}}b", map[string]string{"e": ""}, "ab"},
		{"not a placeholder", "{{1abc}} {single}", map[string]string{"1abc": "x"}, "{{1abc}} {single}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.text, tt.vars))
		})
	}
}

func TestRenderParams(t *testing.T) {
	params := map[string]any{
		"path":    "{{task_id}}/out.txt",
		"count":   3,
		"nested":  map[string]any{"msg": "from {{fetch}}"},
		"list":    []any{"{{fetch}}", 7},
		"literal": "plain",
	}
	vars := map[string]string{"task_id": "t1", "fetch": "notes"}

	got := RenderParams(params, vars)
	assert.Equal(t, map[string]any{
		"path":    "t1/out.txt",
		"count":   3,
		"nested":  map[string]any{"msg": "from notes"},
		"list":    []any{"notes", 7},
		"literal": "plain",
	}, got)

	assert.Equal(t, "{{task_id}}/out.txt", params["path"], "input must not be modified")
	assert.Equal(t, "from {{fetch}}", params["nested"].(map[string]any)["msg"])
	assert.Nil(t, RenderParams(nil, vars))
}

func TestReferences(t *testing.T) {
	assert.Equal(t, []string{"fetch", "task_id"}, References("{{fetch}} in {{task_id}} after {{ fetch }}"))
	assert.Nil(t, References("no placeholders"))
}

func TestMerge(t *testing.T) {
	assert.Nil(t, Merge(nil, nil))
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, Merge(map[string]string{"a": "1", "b": "2"}, map[string]string{"b": "3"}))
	assert.Equal(t, map[string]string{"x": "y"}, Merge(nil, map[string]string{"x": "y"}))
}
