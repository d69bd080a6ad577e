// internal/operators/operators.go
package operators

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/colebrumley/reactor/internal/payload"
)

// Version identifies the operator set. Bump it when an operator is added
// or its semantics change, so persisted rules can be checked against it.
const Version = 2

// ItemPrefix addresses the current list element inside search criteria.
const ItemPrefix = "item."

var (
	ErrUnknownOperator  = errors.New("unknown operator")
	ErrUnknownCondition = errors.New("unknown search condition")
	ErrTypeMismatch     = errors.New("operand type mismatch")
)

// Input is one criterion evaluation. Found is false when the criterion's
// path did not resolve in the payload.
type Input struct {
	Value     payload.Value
	Found     bool
	Pattern   payload.Value
	Condition string
}

// Func evaluates a single predicate.
type Func func(in Input) (bool, error)

type operator struct {
	fn           Func
	allowMissing bool
}

var registry = map[string]operator{}

func register(fn Func, allowMissing bool, names ...string) {
	for _, name := range names {
		registry[name] = operator{fn: fn, allowMissing: allowMissing}
	}
}

func init() {
	register(equals, false, "equals", "eq")
	register(nequals, false, "nequals", "neq")
	register(iequals, false, "iequals", "ieq")
	register(contains, false, "contains")
	register(icontains, false, "icontains")
	register(negate(contains), false, "ncontains")
	register(negate(icontains), false, "incontains")
	register(stringPredicate(strings.HasPrefix, false), false, "startswith")
	register(stringPredicate(strings.HasPrefix, true), false, "istartswith")
	register(stringPredicate(strings.HasSuffix, false), false, "endswith")
	register(stringPredicate(strings.HasSuffix, true), false, "iendswith")
	register(compare(func(c int) bool { return c < 0 }), false, "lessthan", "lt")
	register(compare(func(c int) bool { return c > 0 }), false, "greaterthan", "gt")
	register(matchWildcard, false, "matchwildcard")
	register(matchRegex, false, "matchregex")
	register(regexOp(""), false, "regex")
	register(regexOp("(?i)"), false, "iregex")
	register(timediff(func(d, p float64) bool { return d < p }), false, "timediff_lt", "td_lt")
	register(timediff(func(d, p float64) bool { return d > p }), false, "timediff_gt", "td_gt")
	register(exists, true, "exists")
	register(nexists, true, "nexists")
	register(inside, false, "inside", "in")
	register(negate(inside), false, "ninside", "nin")
	register(search, false, "search")
}

// Names returns every registered operator name and alias.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a registered operator.
func Known(name string) bool {
	_, ok := registry[strings.ToLower(name)]
	return ok
}

// Evaluate applies the named operator. An unresolved path never matches
// except for the existence operators.
func Evaluate(name string, in Input) (bool, error) {
	op, ok := registry[strings.ToLower(name)]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}
	if !in.Found && !op.allowMissing {
		return false, nil
	}
	return op.fn(in)
}

func negate(fn Func) Func {
	return func(in Input) (bool, error) {
		if in.Pattern.IsNull() {
			return false, nil
		}
		ok, err := fn(in)
		return !ok, err
	}
}

func equals(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	return payload.Equal(in.Value, in.Pattern), nil
}

func nequals(in Input) (bool, error) {
	return !payload.Equal(in.Value, in.Pattern), nil
}

func bothStrings(in Input) (string, string, error) {
	if in.Value.Kind() != payload.KindString || in.Pattern.Kind() != payload.KindString {
		return "", "", fmt.Errorf("%w: want string and string, got %s and %s",
			ErrTypeMismatch, in.Value.Kind(), in.Pattern.Kind())
	}
	return in.Value.AsString(), in.Pattern.AsString(), nil
}

func iequals(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	v, p, err := bothStrings(in)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(v, p), nil
}

// contains reports whether pattern occurs in value: a substring of a
// string, an element of a sequence, or a key of a mapping.
func contains(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	return member(in.Pattern, in.Value)
}

func icontains(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	v, p, err := bothStrings(in)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(v), strings.ToLower(p)), nil
}

// inside is contains with the operands swapped.
func inside(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	return member(in.Value, in.Pattern)
}

func member(needle, haystack payload.Value) (bool, error) {
	switch haystack.Kind() {
	case payload.KindString:
		if needle.Kind() != payload.KindString {
			return false, fmt.Errorf("%w: cannot search string for %s", ErrTypeMismatch, needle.Kind())
		}
		return strings.Contains(haystack.AsString(), needle.AsString()), nil
	case payload.KindSequence:
		for _, item := range haystack.Items() {
			if payload.Equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case payload.KindMapping:
		if needle.Kind() != payload.KindString {
			return false, nil
		}
		_, ok := haystack.Field(needle.AsString())
		return ok, nil
	}
	return false, fmt.Errorf("%w: %s is not a container", ErrTypeMismatch, haystack.Kind())
}

func stringPredicate(pred func(s, prefix string) bool, fold bool) Func {
	return func(in Input) (bool, error) {
		if in.Pattern.IsNull() {
			return false, nil
		}
		v, p, err := bothStrings(in)
		if err != nil {
			return false, err
		}
		if fold {
			v, p = strings.ToLower(v), strings.ToLower(p)
		}
		return pred(v, p), nil
	}
}

func compare(accept func(int) bool) Func {
	return func(in Input) (bool, error) {
		if in.Pattern.IsNull() {
			return false, nil
		}
		switch {
		case in.Value.Kind() == payload.KindNumber && in.Pattern.Kind() == payload.KindNumber:
			a, b := in.Value.AsNumber(), in.Pattern.AsNumber()
			switch {
			case a < b:
				return accept(-1), nil
			case a > b:
				return accept(1), nil
			}
			return accept(0), nil
		case in.Value.Kind() == payload.KindString && in.Pattern.Kind() == payload.KindString:
			return accept(strings.Compare(in.Value.AsString(), in.Pattern.AsString())), nil
		}
		return false, fmt.Errorf("%w: cannot order %s against %s",
			ErrTypeMismatch, in.Value.Kind(), in.Pattern.Kind())
	}
}

var regexCache sync.Map

func compileCached(expr string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", expr, err)
	}
	regexCache.Store(expr, re)
	return re, nil
}

// matchRegex anchors at the start of the value and lets "." match newlines.
func matchRegex(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	v, p, err := bothStrings(in)
	if err != nil {
		return false, err
	}
	re, err := compileCached(`^(?s:` + p + `)`)
	if err != nil {
		return false, err
	}
	return re.MatchString(v), nil
}

func regexOp(flags string) Func {
	return func(in Input) (bool, error) {
		if in.Pattern.IsNull() {
			return false, nil
		}
		v, p, err := bothStrings(in)
		if err != nil {
			return false, err
		}
		re, err := compileCached(flags + p)
		if err != nil {
			return false, err
		}
		return re.MatchString(v), nil
	}
}

func matchWildcard(in Input) (bool, error) {
	if in.Pattern.IsNull() {
		return false, nil
	}
	v, p, err := bothStrings(in)
	if err != nil {
		return false, err
	}
	re, err := compileCached(translateWildcard(p))
	if err != nil {
		return false, err
	}
	return re.MatchString(v), nil
}

// translateWildcard converts a shell wildcard into an anchored regexp.
// Unlike path.Match, "*" also crosses "/".
func translateWildcard(pat string) string {
	var b strings.Builder
	b.WriteString(`^(?s:`)
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(pat) && pat[j] == '!' {
				j++
			}
			if j < len(pat) && pat[j] == ']' {
				j++
			}
			for j < len(pat) && pat[j] != ']' {
				j++
			}
			if j >= len(pat) {
				b.WriteString(`\[`)
				continue
			}
			class := strings.ReplaceAll(pat[i+1:j], `\`, `\\`)
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			} else if strings.HasPrefix(class, "^") {
				class = `\` + class
			}
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`)$`)
	return b.String()
}

// now is replaced in tests.
var now = time.Now

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrTypeMismatch, s)
}

// timediff compares the age of the value timestamp, in seconds, with the
// pattern. Timestamps without a zone are taken as UTC.
func timediff(accept func(diff, period float64) bool) Func {
	return func(in Input) (bool, error) {
		if in.Pattern.IsNull() {
			return false, nil
		}
		if in.Value.Kind() != payload.KindString || in.Pattern.Kind() != payload.KindNumber {
			return false, fmt.Errorf("%w: timediff wants a timestamp and seconds", ErrTypeMismatch)
		}
		ts, err := parseTime(in.Value.AsString())
		if err != nil {
			return false, err
		}
		return accept(now().Sub(ts).Seconds(), in.Pattern.AsNumber()), nil
	}
}

func exists(in Input) (bool, error) {
	return in.Found && !in.Value.IsNull(), nil
}

func nexists(in Input) (bool, error) {
	return !in.Found || in.Value.IsNull(), nil
}

// search applies child criteria to each element of a sequence. With
// condition "any" one element must satisfy every child criterion; with
// "all" every element must.
func search(in Input) (bool, error) {
	children, err := parseChildren(in.Pattern)
	if err != nil {
		return false, err
	}
	if in.Value.Kind() != payload.KindSequence {
		return false, fmt.Errorf("%w: search wants a sequence, got %s", ErrTypeMismatch, in.Value.Kind())
	}

	switch in.Condition {
	case "any":
		for _, item := range in.Value.Items() {
			ok, err := matchAll(item, children)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "all":
		for _, item := range in.Value.Items() {
			ok, err := matchAll(item, children)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %q (want any or all)", ErrUnknownCondition, in.Condition)
}

type child struct {
	path      string
	op        string
	pattern   payload.Value
	condition string
}

func parseChildren(pattern payload.Value) ([]child, error) {
	if pattern.Kind() != payload.KindMapping {
		return nil, fmt.Errorf("%w: search pattern must be a mapping of criteria", ErrTypeMismatch)
	}
	keys := make([]string, 0, pattern.Len())
	for k := range pattern.Fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]child, 0, len(keys))
	for _, key := range keys {
		spec := pattern.Fields()[key]
		opName, ok := spec.Field("type")
		if !ok || opName.Kind() != payload.KindString {
			return nil, fmt.Errorf("search criterion %q has no type", key)
		}
		c := child{
			path: strings.TrimPrefix(strings.SplitN(key, "#", 2)[0], ItemPrefix),
			op:   opName.AsString(),
		}
		if p, ok := spec.Field("pattern"); ok {
			c.pattern = p
		}
		if cond, ok := spec.Field("condition"); ok {
			c.condition = cond.AsString()
		}
		out = append(out, c)
	}
	return out, nil
}

func matchAll(item payload.Value, children []child) (bool, error) {
	for _, c := range children {
		v, found := payload.Lookup(item, c.path)
		ok, err := Evaluate(c.op, Input{Value: v, Found: found, Pattern: c.pattern, Condition: c.condition})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
