// internal/matcher/matcher.go
package matcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/operators"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/template"
)

// PayloadPrefix is the namespace criteria keys must use to address the
// trigger payload.
const PayloadPrefix = "trigger"

// Failure records a criterion that could not be evaluated. The rule is
// treated as not matching.
type Failure struct {
	Rule      *model.Rule
	Criterion string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("rule %s criterion %q: %v", f.Rule.Ref, f.Criterion, f.Err)
}

// Result is the outcome of matching one trigger instance.
type Result struct {
	Matched  []*model.Rule
	Failures []Failure
	// Backstop is true when Matched came from the fallback phase.
	Backstop bool
}

// Match returns the rules that apply to instance. Only enabled rules bound
// to the instance's trigger are considered. Backstop rules apply only when
// no other candidate matched; several matching backstops are all returned
// with no ordering between them.
func Match(instance *model.TriggerInstance, trigger *model.Trigger, rules []*model.Rule) Result {
	ref := instance.Trigger
	if trigger != nil {
		ref = trigger.Ref
	}

	var specific, backstops []*model.Rule
	for _, r := range rules {
		if !r.Enabled || r.Trigger.Ref != ref {
			continue
		}
		if r.IsBackstop() {
			backstops = append(backstops, r)
		} else {
			specific = append(specific, r)
		}
	}

	var res Result
	for _, r := range specific {
		ok, fail := evaluate(r, instance.Payload)
		if fail != nil {
			res.Failures = append(res.Failures, *fail)
			continue
		}
		if ok {
			res.Matched = append(res.Matched, r)
		}
	}
	if len(res.Matched) > 0 {
		return res
	}

	for _, r := range backstops {
		ok, fail := evaluate(r, instance.Payload)
		if fail != nil {
			res.Failures = append(res.Failures, *fail)
			continue
		}
		if ok {
			res.Matched = append(res.Matched, r)
		}
	}
	res.Backstop = len(res.Matched) > 0
	return res
}

// MatchRule evaluates a single rule's criteria against a payload,
// ignoring the enabled flag and trigger binding.
func MatchRule(rule *model.Rule, p payload.Value) (bool, error) {
	ok, fail := evaluate(rule, p)
	if fail != nil {
		return false, fail
	}
	return ok, nil
}

func evaluate(r *model.Rule, p payload.Value) (bool, *Failure) {
	if len(r.Criteria) == 0 {
		return true, nil
	}
	if p.Len() == 0 {
		return false, nil
	}

	ctx := payload.Mapping(map[string]payload.Value{PayloadPrefix: p})

	keys := make([]string, 0, len(r.Criteria))
	for k := range r.Criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		c := r.Criteria[key]
		ok, err := check(key, c, p, ctx)
		if err != nil {
			return false, &Failure{Rule: r, Criterion: key, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func check(key string, c model.Criterion, p, ctx payload.Value) (bool, error) {
	if c.Type == "" {
		return false, fmt.Errorf("criterion has no type")
	}

	pattern := c.Pattern
	if pattern.Kind() == payload.KindString && template.HasExpressions(pattern.AsString()) {
		rendered, err := template.Render(pattern.AsString(), ctx)
		if err != nil {
			return false, fmt.Errorf("rendering pattern: %w", err)
		}
		pattern = rendered
	}

	value, found := resolve(key, p)
	return operators.Evaluate(c.Type, operators.Input{
		Value:     value,
		Found:     found,
		Pattern:   pattern,
		Condition: c.Condition,
	})
}

// resolve maps a criteria key onto the payload. A "#suffix" lets one rule
// carry several criteria for the same path. Keys outside the trigger
// namespace never resolve.
func resolve(key string, p payload.Value) (payload.Value, bool) {
	key = strings.SplitN(key, "#", 2)[0]
	rest, ok := strings.CutPrefix(key, PayloadPrefix+".")
	if !ok {
		return payload.Value{}, false
	}
	return payload.Lookup(p, rest)
}
