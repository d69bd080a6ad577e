// internal/template/template.go
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/colebrumley/reactor/internal/payload"
)

var (
	// ErrUndefined is returned when an expression names a path that does
	// not resolve in the render context.
	ErrUndefined = errors.New("undefined variable")
	// ErrCoercion is returned when a filter cannot convert its input.
	ErrCoercion = errors.New("type coercion failed")
	// ErrSyntax is returned for malformed expressions.
	ErrSyntax = errors.New("template syntax error")
)

var (
	templateExpr = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	wholeExpr    = regexp.MustCompile(`^\{\{\s*(.*?)\s*\}\}$`)
	pathExpr     = regexp.MustCompile(`^[A-Za-z_$][\w$\-]*(\.[\w$\-]+)*$`)
)

// HasExpressions reports whether s contains at least one {{ expression }}.
func HasExpressions(s string) bool {
	return templateExpr.MatchString(s)
}

// Render evaluates every {{ path | filter }} expression in tmpl against
// ctx. When tmpl is exactly one expression the resolved value keeps its
// type; otherwise values are interpolated as text.
func Render(tmpl string, ctx payload.Value) (payload.Value, error) {
	if m := wholeExpr.FindStringSubmatch(tmpl); m != nil && !strings.Contains(m[1], "}}") {
		return eval(m[1], ctx)
	}

	var firstErr error
	out := templateExpr.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := templateExpr.FindStringSubmatch(match)[1]
		v, err := eval(expr, ctx)
		if err != nil {
			firstErr = err
			return match
		}
		return v.Text()
	})
	if firstErr != nil {
		return payload.Value{}, firstErr
	}
	return payload.String(out), nil
}

// RenderString is Render with the result flattened to text.
func RenderString(tmpl string, ctx payload.Value) (string, error) {
	v, err := Render(tmpl, ctx)
	if err != nil {
		return "", err
	}
	return v.Text(), nil
}

// RenderValue renders every string found in v, descending into sequences
// and mappings. Non-string scalars pass through unchanged.
func RenderValue(v payload.Value, ctx payload.Value) (payload.Value, error) {
	switch v.Kind() {
	case payload.KindString:
		if !HasExpressions(v.AsString()) {
			return v, nil
		}
		return Render(v.AsString(), ctx)
	case payload.KindSequence:
		items := make([]payload.Value, len(v.Items()))
		for i, item := range v.Items() {
			r, err := RenderValue(item, ctx)
			if err != nil {
				return payload.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = r
		}
		return payload.Sequence(items...), nil
	case payload.KindMapping:
		fields := make(map[string]payload.Value, v.Len())
		for k, item := range v.Fields() {
			r, err := RenderValue(item, ctx)
			if err != nil {
				return payload.Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = r
		}
		return payload.Mapping(fields), nil
	}
	return v, nil
}

func eval(expr string, ctx payload.Value) (payload.Value, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])
	if !pathExpr.MatchString(path) {
		return payload.Value{}, fmt.Errorf("%w: %q", ErrSyntax, expr)
	}

	v, ok := payload.Lookup(ctx, path)
	if !ok {
		return payload.Value{}, fmt.Errorf("%w: %s", ErrUndefined, path)
	}

	for _, f := range parts[1:] {
		name := strings.TrimSpace(f)
		fn, ok := filters[name]
		if !ok {
			return payload.Value{}, fmt.Errorf("%w: unknown filter %q", ErrSyntax, name)
		}
		var err error
		if v, err = fn(v); err != nil {
			return payload.Value{}, fmt.Errorf("%s | %s: %w", path, name, err)
		}
	}
	return v, nil
}

var filters = map[string]func(payload.Value) (payload.Value, error){
	"string": func(v payload.Value) (payload.Value, error) {
		return payload.String(v.Text()), nil
	},
	"lower": func(v payload.Value) (payload.Value, error) {
		return payload.String(strings.ToLower(v.Text())), nil
	},
	"upper": func(v payload.Value) (payload.Value, error) {
		return payload.String(strings.ToUpper(v.Text())), nil
	},
	"trim": func(v payload.Value) (payload.Value, error) {
		return payload.String(strings.TrimSpace(v.Text())), nil
	},
	"json": func(v payload.Value) (payload.Value, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return payload.Value{}, fmt.Errorf("%w: %v", ErrCoercion, err)
		}
		return payload.String(string(data)), nil
	},
	"int": func(v payload.Value) (payload.Value, error) {
		n, err := toNumber(v)
		if err != nil {
			return payload.Value{}, err
		}
		return payload.Number(float64(int64(n))), nil
	},
	"float": func(v payload.Value) (payload.Value, error) {
		n, err := toNumber(v)
		if err != nil {
			return payload.Value{}, err
		}
		return payload.Number(n), nil
	},
	"bool": func(v payload.Value) (payload.Value, error) {
		if v.Kind() == payload.KindString {
			b, err := strconv.ParseBool(v.AsString())
			if err != nil {
				return payload.Value{}, fmt.Errorf("%w: %q is not a boolean", ErrCoercion, v.AsString())
			}
			return payload.Bool(b), nil
		}
		return payload.Bool(v.Truthy()), nil
	},
}

func toNumber(v payload.Value) (float64, error) {
	switch v.Kind() {
	case payload.KindNumber:
		return v.AsNumber(), nil
	case payload.KindBool:
		if v.AsBool() {
			return 1, nil
		}
		return 0, nil
	case payload.KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrCoercion, v.AsString())
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s is not a number", ErrCoercion, v.Kind())
}
