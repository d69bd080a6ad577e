// internal/security/sanitizer_test.go
package security

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/colebrumley/reactor/internal/payload"
)

func TestSanitizeValue_StripControlChars(t *testing.T) {
	result := SanitizeValue("hello\x00world\x01test\x02end")

	for _, r := range result {
		if r < 0x20 && r != '\t' && r != '\n' {
			t.Errorf("result contains control character 0x%02x", r)
		}
	}
	if result != "helloworldtestend" {
		t.Errorf("readable content should be preserved: %q", result)
	}
}

func TestSanitizeValue_PreservesTabNewline(t *testing.T) {
	input := "line1\nline2\tcol2"
	if result := SanitizeValue(input); result != input {
		t.Errorf("tabs and newlines should be preserved: %q", result)
	}
}

func TestSanitizeValue_StripCodeFences(t *testing.T) {
	result := SanitizeValue("file```injection```test.txt")
	if strings.Contains(result, "```") {
		t.Errorf("code fences should be stripped: %q", result)
	}
	if result != "fileinjectiontest.txt" {
		t.Errorf("unexpected result %q", result)
	}
}

func TestSanitizeValue_Truncation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"long", strings.Repeat("x", 2000), MaxValueLength},
		{"exact", strings.Repeat("a", MaxValueLength), MaxValueLength},
		{"short", "short string", len("short string")},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(SanitizeValue(tt.input)); got != tt.want {
				t.Errorf("len = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSanitizeValue_TruncatesOnRuneBoundary(t *testing.T) {
	input := strings.Repeat("é", 1000) // 2 bytes each
	result := SanitizeValue("x" + input)

	if len(result) > MaxValueLength {
		t.Fatalf("result too long: %d", len(result))
	}
	if !utf8.ValidString(result) {
		t.Error("truncation split a multi-byte rune")
	}
}

func TestSanitizeValue_CombinedThreats(t *testing.T) {
	result := SanitizeValue("\x00```\x01" + strings.Repeat("A", 2000) + "```\x02")

	if len(result) > MaxValueLength {
		t.Errorf("should be truncated, got %d chars", len(result))
	}
	if strings.ContainsAny(result, "\x00\x01\x02") {
		t.Error("contains control chars")
	}
	if strings.Contains(result, "```") {
		t.Error("contains code fence")
	}
}

func TestSanitizeParams(t *testing.T) {
	v := payload.MustFromAny(map[string]any{
		"name":  "evil\x00```name",
		"count": 3,
		"tags":  []any{"a\x01", "b"},
	})
	got := SanitizeParams(v)

	name, _ := got.Field("name")
	if name.AsString() != "evilname" {
		t.Errorf("name = %q", name.AsString())
	}
	count, _ := got.Field("count")
	if count.AsNumber() != 3 {
		t.Errorf("numbers should pass through, got %v", count)
	}
	tags, _ := got.Field("tags")
	if tags.Items()[0].AsString() != "a" {
		t.Errorf("sequence items should be sanitized, got %q", tags.Items()[0].AsString())
	}
}
