// internal/security/sanitizer.go
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/colebrumley/reactor/internal/payload"
)

// MaxValueLength is the longest string SanitizeValue returns, in bytes.
const MaxValueLength = 1024

// SanitizeValue cleans an event-supplied string before it is interpolated
// into a prompt. Control characters other than tab and newline are
// removed, code fences are stripped, and the result is cut to
// MaxValueLength bytes on a rune boundary.
func SanitizeValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		if r == utf8.RuneError {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.ReplaceAll(b.String(), "```", "")

	if len(out) > MaxValueLength {
		cut := MaxValueLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// SanitizeParams applies SanitizeValue to every string inside v,
// including mapping keys.
func SanitizeParams(v payload.Value) payload.Value {
	switch v.Kind() {
	case payload.KindString:
		return payload.String(SanitizeValue(v.AsString()))
	case payload.KindSequence:
		items := make([]payload.Value, 0, v.Len())
		for _, item := range v.Items() {
			items = append(items, SanitizeParams(item))
		}
		return payload.Sequence(items...)
	case payload.KindMapping:
		fields := make(map[string]payload.Value, v.Len())
		for k, item := range v.Fields() {
			fields[SanitizeValue(k)] = SanitizeParams(item)
		}
		return payload.Mapping(fields)
	}
	return v
}
