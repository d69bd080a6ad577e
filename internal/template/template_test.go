// internal/template/template_test.go
package template

import (
	"errors"
	"testing"

	"github.com/colebrumley/reactor/internal/payload"
)

func testContext() payload.Value {
	return payload.MustFromAny(map[string]any{
		"trigger": map[string]any{
			"file_path": "/path/to/file.txt",
			"file_name": "file.txt",
			"count":     "42",
			"size":      1024,
			"tags":      []any{"a", "b"},
			"host.name": "web-1",
		},
		"rule": map[string]any{"ref": "ops.cleanup", "pack": "ops"},
	})
}

func TestRenderString(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "simple replacement",
			template: "File: {{trigger.file_path}}",
			want:     "File: /path/to/file.txt",
		},
		{
			name:     "multiple replacements with spacing",
			template: "{{ trigger.file_name }} in {{ trigger.file_path }}",
			want:     "file.txt in /path/to/file.txt",
		},
		{
			name:     "rule metadata",
			template: "run by {{rule.ref}}",
			want:     "run by ops.cleanup",
		},
		{
			name:     "no variables",
			template: "Just plain text",
			want:     "Just plain text",
		},
		{
			name:     "sequence interpolated as json",
			template: "tags={{trigger.tags}}",
			want:     `tags=["a","b"]`,
		},
		{
			name:     "dotted key",
			template: "{{trigger.host.name}}",
			want:     "web-1",
		},
		{
			name:     "filter",
			template: "{{ trigger.file_name | upper }}",
			want:     "FILE.TXT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderString(tt.template, testContext())
			if err != nil {
				t.Fatalf("RenderString() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_WholeExpressionKeepsType(t *testing.T) {
	v, err := Render("{{ trigger.size }}", testContext())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if v.Kind() != payload.KindNumber || v.AsNumber() != 1024 {
		t.Errorf("Render() = %v (%s), want number 1024", v.ToAny(), v.Kind())
	}

	v, err = Render("{{ trigger.count | int }}", testContext())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if v.Kind() != payload.KindNumber || v.AsNumber() != 42 {
		t.Errorf("Render() = %v, want number 42", v.ToAny())
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     error
	}{
		{"undefined variable", "File: {{trigger.missing}}", ErrUndefined},
		{"undefined whole expression", "{{nothing.here}}", ErrUndefined},
		{"coercion", "{{ trigger.file_name | int }}", ErrCoercion},
		{"unknown filter", "{{ trigger.file_name | shout }}", ErrSyntax},
		{"bad path", "{{ 1 + 2 }}", ErrSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.template, testContext())
			if !errors.Is(err, tt.want) {
				t.Errorf("Render() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRenderValue_Nested(t *testing.T) {
	params := payload.MustFromAny(map[string]any{
		"cmd":     "rm {{trigger.file_path}}",
		"size":    "{{trigger.size}}",
		"retries": 3,
		"args":    []any{"{{trigger.file_name}}", "literal"},
	})

	got, err := RenderValue(params, testContext())
	if err != nil {
		t.Fatalf("RenderValue() error = %v", err)
	}

	want := payload.MustFromAny(map[string]any{
		"cmd":     "rm /path/to/file.txt",
		"size":    1024,
		"retries": 3,
		"args":    []any{"file.txt", "literal"},
	})
	if !payload.Equal(got, want) {
		t.Errorf("RenderValue() = %v, want %v", got.ToAny(), want.ToAny())
	}
}

func TestHasExpressions(t *testing.T) {
	if !HasExpressions("a {{b}} c") {
		t.Error("expected expression to be detected")
	}
	if HasExpressions("plain {text}") {
		t.Error("unexpected expression detected")
	}
}
