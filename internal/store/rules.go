// internal/store/rules.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// SaveRule inserts or replaces a rule keyed by ref. The stored id is
// kept across updates.
func (s *Store) SaveRule(ctx context.Context, r *model.Rule) error {
	if r.Ref == "" {
		r.Ref = model.Ref(r.Pack, r.Name)
	}
	if r.Type == "" {
		r.Type = model.RuleTypeStandard
	}
	if r.ID == "" {
		if existing, err := s.GetRule(ctx, r.Ref); err == nil {
			r.ID = existing.ID
		} else {
			r.ID = model.NewID()
		}
	}

	trigParams, err := encodeValue(r.Trigger.Parameters)
	if err != nil {
		return err
	}
	criteria, err := encodeCriteria(r.Criteria)
	if err != nil {
		return err
	}
	actionParams, err := encodeValue(r.Action.Parameters)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(r.Tags)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO rules (id, ref, pack, name, description, enabled, type, trigger_type,
			trigger_ref, trigger_parameters, criteria, action_ref, action_parameters, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET
			description = excluded.description,
			enabled = excluded.enabled,
			type = excluded.type,
			trigger_type = excluded.trigger_type,
			trigger_ref = excluded.trigger_ref,
			trigger_parameters = excluded.trigger_parameters,
			criteria = excluded.criteria,
			action_ref = excluded.action_ref,
			action_parameters = excluded.action_parameters,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		r.ID, r.Ref, r.Pack, r.Name, r.Description, boolInt(r.Enabled), r.Type, r.Trigger.Type,
		r.Trigger.Ref, trigParams, criteria, r.Action.Ref, actionParams, tags, Micros(time.Now()))
	if err != nil {
		return fmt.Errorf("saving rule %s: %w", r.Ref, err)
	}
	return nil
}

// Criteria keys may contain dots, so the criteria mapping is stored as a
// list of entries rather than as an object with escaped keys.
type storedCriterion struct {
	Key       string        `json:"key"`
	Type      string        `json:"type"`
	Pattern   payload.Value `json:"pattern"`
	Condition string        `json:"condition,omitempty"`
}

func encodeCriteria(c map[string]model.Criterion) (string, error) {
	entries := make([]storedCriterion, 0, len(c))
	for k, v := range c {
		entries = append(entries, storedCriterion{Key: k, Type: v.Type, Pattern: v.Pattern, Condition: v.Condition})
	}
	return encodeJSON(entries)
}

func decodeCriteria(s sql.NullString) (map[string]model.Criterion, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var entries []storedCriterion
	if err := json.Unmarshal([]byte(s.String), &entries); err != nil {
		return nil, fmt.Errorf("decoding criteria: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]model.Criterion, len(entries))
	for _, e := range entries {
		out[e.Key] = model.Criterion{Type: e.Type, Pattern: e.Pattern, Condition: e.Condition}
	}
	return out, nil
}

const ruleColumns = `id, ref, pack, name, description, enabled, type, trigger_type, trigger_ref,
	trigger_parameters, criteria, action_ref, action_parameters, tags`

func scanRule(r rowScanner) (*model.Rule, error) {
	var (
		rule                       model.Rule
		desc, trigParams, criteria sql.NullString
		actionParams, tags         sql.NullString
		enabled                    int
	)
	if err := r.Scan(&rule.ID, &rule.Ref, &rule.Pack, &rule.Name, &desc, &enabled, &rule.Type,
		&rule.Trigger.Type, &rule.Trigger.Ref, &trigParams, &criteria, &rule.Action.Ref,
		&actionParams, &tags); err != nil {
		return nil, err
	}
	rule.Description = desc.String
	rule.Enabled = enabled != 0

	var err error
	if rule.Trigger.Parameters, err = decodeValue(trigParams); err != nil {
		return nil, err
	}
	if rule.Criteria, err = decodeCriteria(criteria); err != nil {
		return nil, err
	}
	if rule.Action.Parameters, err = decodeValue(actionParams); err != nil {
		return nil, err
	}
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &rule.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	return &rule, nil
}

// GetRule returns a rule by ref.
func (s *Store) GetRule(ctx context.Context, ref string) (*model.Rule, error) {
	row := s.queryRow(ctx, "SELECT "+ruleColumns+" FROM rules WHERE ref = ?", ref)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting rule %s: %w", ref, err)
	}
	return r, nil
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	TriggerRef  string
	Pack        string
	EnabledOnly bool
}

// ListRules returns rules ordered by ref.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]*model.Rule, error) {
	query := "SELECT " + ruleColumns + " FROM rules WHERE 1=1"
	var args []any
	if f.TriggerRef != "" {
		query += " AND trigger_ref = ?"
		args = append(args, f.TriggerRef)
	}
	if f.Pack != "" {
		query += " AND pack = ?"
		args = append(args, f.Pack)
	}
	if f.EnabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY ref"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleEnabled toggles a rule.
func (s *Store) SetRuleEnabled(ctx context.Context, ref string, enabled bool) error {
	res, err := s.exec(ctx, "UPDATE rules SET enabled = ?, updated_at = ? WHERE ref = ?",
		boolInt(enabled), Micros(time.Now()), ref)
	if err != nil {
		return fmt.Errorf("updating rule %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule by ref.
func (s *Store) DeleteRule(ctx context.Context, ref string) error {
	res, err := s.exec(ctx, "DELETE FROM rules WHERE ref = ?", ref)
	if err != nil {
		return fmt.Errorf("deleting rule %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
