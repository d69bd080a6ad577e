// internal/store/actions.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/colebrumley/reactor/internal/model"
)

// SaveAction inserts or replaces an action definition keyed by ref.
func (s *Store) SaveAction(ctx context.Context, a *model.Action) error {
	if a.Ref == "" {
		a.Ref = model.Ref(a.Pack, a.Name)
	}
	if a.ID == "" {
		if existing, err := s.GetAction(ctx, a.Ref); err == nil {
			a.ID = existing.ID
		} else {
			a.ID = model.NewID()
		}
	}
	params, err := encodeParamSpecs(a.Parameters)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO actions (id, ref, pack, name, description, enabled, runner_type, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET
			description = excluded.description,
			enabled = excluded.enabled,
			runner_type = excluded.runner_type,
			parameters = excluded.parameters`,
		a.ID, a.Ref, a.Pack, a.Name, a.Description, boolInt(a.Enabled), a.RunnerType, params)
	if err != nil {
		return fmt.Errorf("saving action %s: %w", a.Ref, err)
	}
	return nil
}

// Parameter names are map keys and may contain dots; store them as a list.
type storedParam struct {
	Name string `json:"name"`
	model.ParamSpec
}

func encodeParamSpecs(specs map[string]model.ParamSpec) (string, error) {
	list := make([]storedParam, 0, len(specs))
	for name, spec := range specs {
		list = append(list, storedParam{Name: name, ParamSpec: spec})
	}
	return encodeJSON(list)
}

func decodeParamSpecs(s sql.NullString) (map[string]model.ParamSpec, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var list []storedParam
	if err := json.Unmarshal([]byte(s.String), &list); err != nil {
		return nil, fmt.Errorf("decoding action parameters: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make(map[string]model.ParamSpec, len(list))
	for _, p := range list {
		out[p.Name] = p.ParamSpec
	}
	return out, nil
}

const actionColumns = "id, ref, pack, name, description, enabled, runner_type, parameters"

func scanAction(r rowScanner) (*model.Action, error) {
	var (
		a            model.Action
		desc, params sql.NullString
		enabled      int
	)
	if err := r.Scan(&a.ID, &a.Ref, &a.Pack, &a.Name, &desc, &enabled, &a.RunnerType, &params); err != nil {
		return nil, err
	}
	a.Description = desc.String
	a.Enabled = enabled != 0
	specs, err := decodeParamSpecs(params)
	if err != nil {
		return nil, err
	}
	a.Parameters = specs
	return &a, nil
}

// GetAction returns an action by ref.
func (s *Store) GetAction(ctx context.Context, ref string) (*model.Action, error) {
	a, err := scanAction(s.queryRow(ctx, "SELECT "+actionColumns+" FROM actions WHERE ref = ?", ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting action %s: %w", ref, err)
	}
	return a, nil
}

// ListActions returns every action ordered by ref.
func (s *Store) ListActions(ctx context.Context) ([]*model.Action, error) {
	rows, err := s.query(ctx, "SELECT "+actionColumns+" FROM actions ORDER BY ref")
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var out []*model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAction removes an action by ref.
func (s *Store) DeleteAction(ctx context.Context, ref string) error {
	res, err := s.exec(ctx, "DELETE FROM actions WHERE ref = ?", ref)
	if err != nil {
		return fmt.Errorf("deleting action %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
