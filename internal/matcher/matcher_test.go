// internal/matcher/matcher_test.go
package matcher

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

func instance(trigger string, p map[string]any) *model.TriggerInstance {
	return &model.TriggerInstance{
		ID:      model.NewID(),
		Trigger: trigger,
		Payload: payload.MustFromAny(p),
		Status:  model.TriggerInstanceReceived,
	}
}

func rule(name, trigger string, enabled bool, criteria map[string]model.Criterion) *model.Rule {
	return &model.Rule{
		ID:       model.NewID(),
		Ref:      "pack." + name,
		Name:     name,
		Pack:     "pack",
		Enabled:  enabled,
		Trigger:  model.RuleTrigger{Ref: trigger},
		Criteria: criteria,
		Action:   model.RuleAction{Ref: "core.noop"},
	}
}

func eq(pattern any) model.Criterion {
	return model.Criterion{Type: "equals", Pattern: payload.MustFromAny(pattern)}
}

func names(rules []*model.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Name)
	}
	return out
}

func TestMatch_TriggerPrefixRequired(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	r2 := rule("R2", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("v1")})
	r1 := rule("R1", "pack.t1", true, map[string]model.Criterion{"k1": eq("v1")})

	res := Match(ti, nil, []*model.Rule{r1, r2})
	assert.Equal(t, []string{"R2"}, names(res.Matched))
	assert.Empty(t, res.Failures)
}

func TestMatch_BackstopLaw(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	r1 := rule("R1", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("v1")})
	r0 := rule("R0", "pack.t1", true, nil)

	res := Match(ti, nil, []*model.Rule{r0, r1})
	assert.Equal(t, []string{"R1"}, names(res.Matched))
	assert.False(t, res.Backstop)
}

func TestMatch_BackstopActivation(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	r1 := rule("R1", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("other")})
	r0 := rule("R0", "pack.t1", true, map[string]model.Criterion{})

	res := Match(ti, nil, []*model.Rule{r1, r0})
	assert.Equal(t, []string{"R0"}, names(res.Matched))
	assert.True(t, res.Backstop)
}

func TestMatch_MultipleBackstopsAllReturned(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	a := rule("A", "pack.t1", true, nil)
	b := rule("B", "pack.t1", true, nil)

	res := Match(ti, nil, []*model.Rule{a, b})
	assert.ElementsMatch(t, []string{"A", "B"}, names(res.Matched))
}

func TestMatch_ExplicitBackstopType(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	specific := rule("S", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("v1")})
	typed := rule("T", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("v1")})
	typed.Type = model.RuleTypeBackstop

	res := Match(ti, nil, []*model.Rule{specific, typed})
	assert.Equal(t, []string{"S"}, names(res.Matched))

	res = Match(ti, nil, []*model.Rule{typed})
	assert.Equal(t, []string{"T"}, names(res.Matched))
}

func TestMatch_DisabledBackstopIgnored(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	r0 := rule("R0", "pack.t1", false, nil)

	res := Match(ti, nil, []*model.Rule{r0})
	assert.Empty(t, res.Matched)
}

func TestMatch_UsesTriggerDefinitionRef(t *testing.T) {
	ti := instance("ignored", map[string]any{"k1": "v1"})
	trig := &model.Trigger{Ref: "pack.t1"}
	r := rule("R", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("v1")})

	res := Match(ti, trig, []*model.Rule{r})
	assert.Equal(t, []string{"R"}, names(res.Matched))
}

func TestMatch_CriteriaWithEmptyPayload(t *testing.T) {
	ti := instance("pack.t1", map[string]any{})
	r := rule("R", "pack.t1", true, map[string]model.Criterion{
		"trigger.k": {Type: "nexists"},
	})

	res := Match(ti, nil, []*model.Rule{r})
	assert.Empty(t, res.Matched)
}

func TestMatch_MissingIntermediateKey(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"a": map[string]any{"b": 1}})
	r := rule("R", "pack.t1", true, map[string]model.Criterion{
		"trigger.a.x.y": eq(1),
	})

	res := Match(ti, nil, []*model.Rule{r})
	assert.Empty(t, res.Matched)
	assert.Empty(t, res.Failures, "a missing path is a non-match, not an error")
}

func TestMatch_HashSuffixAllowsRepeatedPaths(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"msg": "disk usage at 95%"})
	r := rule("R", "pack.t1", true, map[string]model.Criterion{
		"trigger.msg#1": {Type: "contains", Pattern: payload.String("disk")},
		"trigger.msg#2": {Type: "endswith", Pattern: payload.String("%")},
	})

	res := Match(ti, nil, []*model.Rule{r})
	assert.Equal(t, []string{"R"}, names(res.Matched))
}

func TestMatch_TemplatedPattern(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"actual": 3, "expected": 3})
	r := rule("R", "pack.t1", true, map[string]model.Criterion{
		"trigger.actual": eq("{{ trigger.expected }}"),
	})

	res := Match(ti, nil, []*model.Rule{r})
	assert.Equal(t, []string{"R"}, names(res.Matched))
}

func TestMatch_FailureIsolated(t *testing.T) {
	ti := instance("pack.t1", map[string]any{"k1": "v1"})
	broken := rule("Broken", "pack.t1", true, map[string]model.Criterion{
		"trigger.k1": {Type: "no_such_operator", Pattern: payload.String("v1")},
	})
	good := rule("Good", "pack.t1", true, map[string]model.Criterion{"trigger.k1": eq("v1")})

	res := Match(ti, nil, []*model.Rule{broken, good})
	assert.Equal(t, []string{"Good"}, names(res.Matched))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "Broken", res.Failures[0].Rule.Name)
}

func TestMatch_SearchCriterion(t *testing.T) {
	ti := instance("pack.t1", map[string]any{
		"fields": []any{
			map[string]any{"field_name": "Status", "to_value": "Approved"},
		},
	})
	r := rule("R", "pack.t1", true, map[string]model.Criterion{
		"trigger.fields": {
			Type:      "search",
			Condition: "any",
			Pattern: payload.MustFromAny(map[string]any{
				"item.field_name": map[string]any{"type": "equals", "pattern": "Status"},
				"item.to_value":   map[string]any{"type": "equals", "pattern": "Approved"},
			}),
		},
	})

	res := Match(ti, nil, []*model.Rule{r})
	assert.Equal(t, []string{"R"}, names(res.Matched))
}

// Randomized rule sets: every returned rule is enabled, bound to the
// instance's trigger, and satisfies all of its criteria.
func TestMatch_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	triggers := []string{"pack.t1", "pack.t2"}
	values := []string{"a", "b", "c"}

	for iter := 0; iter < 200; iter++ {
		p := map[string]any{
			"x": values[rng.Intn(len(values))],
			"y": values[rng.Intn(len(values))],
		}
		ti := instance(triggers[rng.Intn(len(triggers))], p)

		var rules []*model.Rule
		for i := 0; i < 6; i++ {
			criteria := map[string]model.Criterion{}
			for _, key := range []string{"x", "y"} {
				if rng.Intn(2) == 0 {
					criteria["trigger."+key] = eq(values[rng.Intn(len(values))])
				}
			}
			rules = append(rules, rule(fmt.Sprintf("r%d", i),
				triggers[rng.Intn(len(triggers))], rng.Intn(3) > 0, criteria))
		}

		res := Match(ti, nil, rules)
		for _, r := range res.Matched {
			require.True(t, r.Enabled)
			require.Equal(t, ti.Trigger, r.Trigger.Ref)
			for key, c := range r.Criteria {
				got := p[key[len("trigger."):]]
				require.Equal(t, c.Pattern.AsString(), got, "conjunction violated for %s", r.Name)
			}
			if res.Backstop {
				require.True(t, r.IsBackstop())
			}
		}
		if res.Backstop {
			for _, r := range rules {
				if r.Enabled && r.Trigger.Ref == ti.Trigger && !r.IsBackstop() {
					ok, err := MatchRule(r, ti.Payload)
					require.NoError(t, err)
					require.False(t, ok, "backstop returned while %s matched", r.Name)
				}
			}
		}
	}
}

func TestMatchRule(t *testing.T) {
	r := rule("R", "pack.t1", false, map[string]model.Criterion{"trigger.k": eq(1)})
	ok, err := MatchRule(r, payload.MustFromAny(map[string]any{"k": 1}))
	require.NoError(t, err)
	assert.True(t, ok)

	r.Criteria["trigger.k"] = model.Criterion{Type: "bogus"}
	_, err = MatchRule(r, payload.MustFromAny(map[string]any{"k": 1}))
	assert.Error(t, err)
}
