// internal/daemon/content.go
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/store"
)

// RegisterResult counts what a registration pass stored and removed.
type RegisterResult struct {
	TriggerTypes int `json:"trigger_types"`
	Actions      int `json:"actions"`
	Policies     int `json:"policies"`
	Rules        int `json:"rules"`
	Removed      int `json:"removed"`
}

// Register stores the content of every pack. Definitions that belong to
// a loaded pack but no longer exist on disk are deleted. Per-definition
// failures are collected and returned together; the rest of the content
// is still registered.
func (s *Services) Register(ctx context.Context, content *config.Content) (RegisterResult, error) {
	var (
		res  RegisterResult
		errs []error
	)

	// Trigger types first: rules resolve their triggers against them.
	for _, tt := range content.TriggerTypes() {
		if err := s.Store.RegisterTriggerType(ctx, tt); err != nil {
			errs = append(errs, fmt.Errorf("trigger type %s: %w", tt.Ref, err))
			continue
		}
		res.TriggerTypes++
	}

	for _, a := range content.Actions() {
		if err := s.Store.SaveAction(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", a.Ref, err))
			continue
		}
		res.Actions++
	}

	for _, p := range content.Policies() {
		if err := s.Policies.Validate(p); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.Ref, err))
			continue
		}
		if err := s.Store.SavePolicy(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.Ref, err))
			continue
		}
		res.Policies++
	}

	for _, r := range content.Rules() {
		if _, err := s.Triggers.EnsureForRule(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Store.SaveRule(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Ref, err))
			continue
		}
		res.Rules++
	}

	removed, err := s.prune(ctx, content)
	res.Removed = removed
	if err != nil {
		errs = append(errs, err)
	}

	if n, err := s.Store.DeleteUnreferencedTriggers(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.Logger.Info("removed unreferenced triggers", "count", n)
	}

	return res, errors.Join(errs...)
}

// prune deletes stored rules, actions and policies of the loaded packs
// that are missing from content.
func (s *Services) prune(ctx context.Context, content *config.Content) (int, error) {
	packs := make(map[string]bool, len(content.Packs))
	keep := make(map[string]bool)
	for _, p := range content.Packs {
		packs[p.Name] = true
		for _, r := range p.Rules {
			keep["rule:"+r.Ref] = true
		}
		for _, a := range p.Actions {
			keep["action:"+a.Ref] = true
		}
		for _, pol := range p.Policies {
			keep["policy:"+pol.Ref] = true
		}
	}

	removed := 0
	drop := func(kind, ref string, del func(context.Context, string) error) error {
		if keep[kind+":"+ref] {
			return nil
		}
		if err := del(ctx, ref); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("removing %s %s: %w", kind, ref, err)
		}
		s.Logger.Info("removed definition no longer on disk", "kind", kind, "ref", ref)
		removed++
		return nil
	}

	var errs []error
	rules, err := s.Store.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		return removed, err
	}
	for _, r := range rules {
		if packs[r.Pack] {
			errs = append(errs, drop("rule", r.Ref, s.Store.DeleteRule))
		}
	}

	actions, err := s.Store.ListActions(ctx)
	if err != nil {
		return removed, err
	}
	for _, a := range actions {
		if packs[a.Pack] {
			errs = append(errs, drop("action", a.Ref, s.Store.DeleteAction))
		}
	}

	policies, err := s.Store.ListPolicies(ctx, "")
	if err != nil {
		return removed, err
	}
	for _, p := range policies {
		if packs[p.Pack] {
			errs = append(errs, drop("policy", p.Ref, s.Store.DeletePolicy))
		}
	}
	return removed, errors.Join(errs...)
}

// enabledTriggers returns the triggers referenced by enabled rules.
func (s *Services) enabledTriggers(ctx context.Context) ([]*model.Trigger, error) {
	rules, err := s.Store.ListRules(ctx, store.RuleFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*model.Trigger
	for _, r := range rules {
		if seen[r.Trigger.Ref] {
			continue
		}
		seen[r.Trigger.Ref] = true
		t, err := s.Store.GetTriggerByRef(ctx, r.Trigger.Ref)
		if errors.Is(err, store.ErrNotFound) {
			s.Logger.Warn("rule references a missing trigger", "rule", r.Ref, "trigger", r.Trigger.Ref)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
