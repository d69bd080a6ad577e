// internal/payload/path.go
package payload

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path such as "a.b.0.c" against v.
//
// Segments are matched greedily from the shortest key: "a.b" first tries
// field "a" then "b" inside it, and falls back to a literal field named
// "a.b" when that fails. This keeps keys containing dots addressable.
// Numeric segments index into sequences. A missing segment reports false.
func Lookup(v Value, path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	return resolve(v, strings.Split(path, "."))
}

func resolve(v Value, segs []string) (Value, bool) {
	if len(segs) == 0 {
		return v, true
	}

	switch v.kind {
	case KindMapping:
		for i := 1; i <= len(segs); i++ {
			key := strings.Join(segs[:i], ".")
			child, ok := v.m[key]
			if !ok {
				continue
			}
			if found, ok := resolve(child, segs[i:]); ok {
				return found, true
			}
		}
	case KindSequence:
		idx, err := strconv.Atoi(segs[0])
		if err != nil {
			return Value{}, false
		}
		if idx < 0 {
			idx += len(v.seq)
		}
		if idx < 0 || idx >= len(v.seq) {
			return Value{}, false
		}
		return resolve(v.seq[idx], segs[1:])
	}
	return Value{}, false
}

// Stored keys cannot contain "." or a leading "$" in some document stores,
// so persisted payloads replace them with their full-width forms. Keys
// that already hold a full-width form, or the escape mark itself, get the
// mark in front so unescaping restores them exactly.
const (
	escapedDot    = "．"
	escapedDollar = "＄"
	escapeMark    = "％"
)

var (
	keyEscaper = strings.NewReplacer(
		".", escapedDot,
		"$", escapedDollar,
		escapeMark, escapeMark+escapeMark,
		escapedDot, escapeMark+escapedDot,
		escapedDollar, escapeMark+escapedDollar,
	)
	// Marked pairs come first so their second half is never read alone.
	keyUnescaper = strings.NewReplacer(
		escapeMark+escapeMark, escapeMark,
		escapeMark+escapedDot, escapedDot,
		escapeMark+escapedDollar, escapedDollar,
		escapedDot, ".",
		escapedDollar, "$",
	)
)

// EscapeKey applies the persisted-key escaping to a single key.
func EscapeKey(k string) string {
	return keyEscaper.Replace(k)
}

// EscapeKeys rewrites every mapping key so it contains no "." or "$".
func EscapeKeys(v Value) Value {
	return rewriteKeys(v, keyEscaper)
}

// UnescapeKeys reverses EscapeKeys.
func UnescapeKeys(v Value) Value {
	return rewriteKeys(v, keyUnescaper)
}

func rewriteKeys(v Value, r *strings.Replacer) Value {
	switch v.kind {
	case KindMapping:
		fields := make(map[string]Value, len(v.m))
		for k, child := range v.m {
			fields[r.Replace(k)] = rewriteKeys(child, r)
		}
		return Mapping(fields)
	case KindSequence:
		items := make([]Value, len(v.seq))
		for i, child := range v.seq {
			items[i] = rewriteKeys(child, r)
		}
		return Sequence(items...)
	}
	return v
}
