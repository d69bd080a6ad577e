// internal/security/scrubber.go
package security

import (
	"regexp"

	"github.com/colebrumley/reactor/internal/payload"
)

const redacted = "[REDACTED]"

var (
	// X-Plex-Token=..., X-Auth-Token=... in URLs and headers
	headerTokenPattern = regexp.MustCompile(`(X-[A-Za-z-]*Token)=\S+`)
	bearerPattern      = regexp.MustCompile(`Bearer\s+\S{20,}`)
	// password=..., api_key: ..., secret=...
	assignmentPattern = regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?key)(\s*[=:]\s*)\S+`)
	// 32+ hex characters are most likely keys
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// ScrubOutput redacts credentials from runner output before it is stored
// in an execution result.
func ScrubOutput(output string) string {
	out := headerTokenPattern.ReplaceAllString(output, "${1}="+redacted)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+redacted)
	out = assignmentPattern.ReplaceAllString(out, "${1}${2}"+redacted)
	out = hexKeyPattern.ReplaceAllString(out, redacted)
	return out
}

// ScrubValue applies ScrubOutput to every string inside v.
func ScrubValue(v payload.Value) payload.Value {
	switch v.Kind() {
	case payload.KindString:
		return payload.String(ScrubOutput(v.AsString()))
	case payload.KindSequence:
		items := make([]payload.Value, 0, v.Len())
		for _, item := range v.Items() {
			items = append(items, ScrubValue(item))
		}
		return payload.Sequence(items...)
	case payload.KindMapping:
		fields := make(map[string]payload.Value, v.Len())
		for k, item := range v.Fields() {
			fields[k] = ScrubValue(item)
		}
		return payload.Mapping(fields)
	}
	return v
}
