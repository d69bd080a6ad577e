// internal/store/policies.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/colebrumley/reactor/internal/model"
)

// SavePolicy inserts or replaces a policy keyed by ref.
func (s *Store) SavePolicy(ctx context.Context, p *model.Policy) error {
	if p.Ref == "" {
		p.Ref = model.Ref(p.Pack, p.Name)
	}
	if p.ID == "" {
		if existing, err := s.GetPolicy(ctx, p.Ref); err == nil {
			p.ID = existing.ID
		} else {
			p.ID = model.NewID()
		}
	}
	params, err := encodeValue(p.Parameters)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO policies (id, ref, pack, name, description, enabled, resource_ref, policy_type, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET
			description = excluded.description,
			enabled = excluded.enabled,
			resource_ref = excluded.resource_ref,
			policy_type = excluded.policy_type,
			parameters = excluded.parameters`,
		p.ID, p.Ref, p.Pack, p.Name, p.Description, boolInt(p.Enabled), p.ResourceRef, p.PolicyType, params)
	if err != nil {
		return fmt.Errorf("saving policy %s: %w", p.Ref, err)
	}
	return nil
}

const policyColumns = "id, ref, pack, name, description, enabled, resource_ref, policy_type, parameters"

func scanPolicy(r rowScanner) (*model.Policy, error) {
	var (
		p            model.Policy
		desc, params sql.NullString
		enabled      int
	)
	if err := r.Scan(&p.ID, &p.Ref, &p.Pack, &p.Name, &desc, &enabled, &p.ResourceRef, &p.PolicyType, &params); err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.Enabled = enabled != 0
	v, err := decodeValue(params)
	if err != nil {
		return nil, err
	}
	p.Parameters = v
	return &p, nil
}

// GetPolicy returns a policy by ref.
func (s *Store) GetPolicy(ctx context.Context, ref string) (*model.Policy, error) {
	p, err := scanPolicy(s.queryRow(ctx, "SELECT "+policyColumns+" FROM policies WHERE ref = ?", ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting policy %s: %w", ref, err)
	}
	return p, nil
}

// ListPolicies returns policies attached to resourceRef, or all policies
// when resourceRef is empty. Disabled policies are included.
func (s *Store) ListPolicies(ctx context.Context, resourceRef string) ([]*model.Policy, error) {
	query := "SELECT " + policyColumns + " FROM policies"
	var args []any
	if resourceRef != "" {
		query += " WHERE resource_ref = ?"
		args = append(args, resourceRef)
	}
	query += " ORDER BY ref"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	defer rows.Close()

	var out []*model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPolicyEnabled toggles a policy.
func (s *Store) SetPolicyEnabled(ctx context.Context, ref string, enabled bool) error {
	res, err := s.exec(ctx, "UPDATE policies SET enabled = ? WHERE ref = ?", boolInt(enabled), ref)
	if err != nil {
		return fmt.Errorf("updating policy %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicy removes a policy by ref.
func (s *Store) DeletePolicy(ctx context.Context, ref string) error {
	res, err := s.exec(ctx, "DELETE FROM policies WHERE ref = ?", ref)
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
