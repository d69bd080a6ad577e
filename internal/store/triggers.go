// internal/store/triggers.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/colebrumley/reactor/internal/model"
)

// RegisterTriggerType inserts or replaces a trigger type definition.
func (s *Store) RegisterTriggerType(ctx context.Context, tt *model.TriggerType) error {
	payloadSchema, err := encodeValue(tt.PayloadSchema)
	if err != nil {
		return err
	}
	paramsSchema, err := encodeValue(tt.ParametersSchema)
	if err != nil {
		return err
	}
	if tt.Ref == "" {
		tt.Ref = model.Ref(tt.Pack, tt.Name)
	}

	_, err = s.exec(ctx, `
		INSERT INTO trigger_types (ref, pack, name, description, payload_schema, parameters_schema)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET
			description = excluded.description,
			payload_schema = excluded.payload_schema,
			parameters_schema = excluded.parameters_schema`,
		tt.Ref, tt.Pack, tt.Name, tt.Description, payloadSchema, paramsSchema)
	if err != nil {
		return fmt.Errorf("registering trigger type %s: %w", tt.Ref, err)
	}
	return nil
}

// GetTriggerType returns a trigger type by ref.
func (s *Store) GetTriggerType(ctx context.Context, ref string) (*model.TriggerType, error) {
	row := s.queryRow(ctx, `
		SELECT ref, pack, name, description, payload_schema, parameters_schema
		FROM trigger_types WHERE ref = ?`, ref)

	var (
		tt                     model.TriggerType
		desc, payloadS, paramS sql.NullString
	)
	if err := row.Scan(&tt.Ref, &tt.Pack, &tt.Name, &desc, &payloadS, &paramS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting trigger type %s: %w", ref, err)
	}
	tt.Description = desc.String
	var err error
	if tt.PayloadSchema, err = decodeValue(payloadS); err != nil {
		return nil, err
	}
	if tt.ParametersSchema, err = decodeValue(paramS); err != nil {
		return nil, err
	}
	return &tt, nil
}

// ListTriggerTypes returns all registered trigger types ordered by ref.
func (s *Store) ListTriggerTypes(ctx context.Context) ([]*model.TriggerType, error) {
	rows, err := s.query(ctx, "SELECT ref FROM trigger_types ORDER BY ref")
	if err != nil {
		return nil, fmt.Errorf("listing trigger types: %w", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.TriggerType, 0, len(refs))
	for _, ref := range refs {
		tt, err := s.GetTriggerType(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, nil
}

const triggerColumns = "id, ref, pack, name, type, parameters, uid, created_at"

func scanTrigger(r rowScanner) (*model.Trigger, error) {
	var (
		t         model.Trigger
		params    sql.NullString
		createdAt int64
	)
	if err := r.Scan(&t.ID, &t.Ref, &t.Pack, &t.Name, &t.Type, &params, &t.UID, &createdAt); err != nil {
		return nil, err
	}
	p, err := decodeValue(params)
	if err != nil {
		return nil, err
	}
	t.Parameters = p
	t.CreatedAt = FromMicros(createdAt)
	return &t, nil
}

// EnsureTrigger stores t unless a trigger with the same UID exists, and
// returns the stored trigger either way.
func (s *Store) EnsureTrigger(ctx context.Context, t *model.Trigger) (*model.Trigger, error) {
	if existing, err := s.GetTriggerByUID(ctx, t.UID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	params, err := encodeValue(t.Parameters)
	if err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err = s.exec(ctx, `
		INSERT INTO triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		t.ID, t.Ref, t.Pack, t.Name, t.Type, params, t.UID, Micros(t.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("creating trigger %s: %w", t.Ref, err)
	}
	return s.GetTriggerByUID(ctx, t.UID)
}

// GetTriggerByRef returns a trigger by its pack-qualified ref.
func (s *Store) GetTriggerByRef(ctx context.Context, ref string) (*model.Trigger, error) {
	return s.getTrigger(ctx, "ref", ref)
}

// GetTriggerByUID returns a trigger by its content hash.
func (s *Store) GetTriggerByUID(ctx context.Context, uid string) (*model.Trigger, error) {
	return s.getTrigger(ctx, "uid", uid)
}

// GetTrigger returns a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*model.Trigger, error) {
	return s.getTrigger(ctx, "id", id)
}

func (s *Store) getTrigger(ctx context.Context, column, value string) (*model.Trigger, error) {
	row := s.queryRow(ctx, "SELECT "+triggerColumns+" FROM triggers WHERE "+column+" = ?", value)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting trigger by %s: %w", column, err)
	}
	return t, nil
}

// ListTriggers returns triggers, optionally filtered by trigger type.
func (s *Store) ListTriggers(ctx context.Context, triggerType string) ([]*model.Trigger, error) {
	query := "SELECT " + triggerColumns + " FROM triggers"
	var args []any
	if triggerType != "" {
		query += " WHERE type = ?"
		args = append(args, triggerType)
	}
	query += " ORDER BY ref"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()

	var out []*model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteUnreferencedTriggers removes parameterized triggers no rule
// points at. Triggers whose ref equals their type are shared by every
// rule on that type and are kept.
func (s *Store) DeleteUnreferencedTriggers(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM triggers
		WHERE ref <> type
		  AND ref NOT IN (SELECT trigger_ref FROM rules)`)
	if err != nil {
		return 0, fmt.Errorf("deleting unreferenced triggers: %w", err)
	}
	return res.RowsAffected()
}

// CreateTriggerInstance stores a new trigger occurrence.
func (s *Store) CreateTriggerInstance(ctx context.Context, ti *model.TriggerInstance) error {
	p, err := encodeValue(ti.Payload)
	if err != nil {
		return err
	}
	if ti.ID == "" {
		ti.ID = model.NewID()
	}
	if ti.Status == "" {
		ti.Status = model.TriggerInstanceReceived
	}
	if ti.OccurredAt.IsZero() {
		ti.OccurredAt = time.Now().UTC()
	}
	_, err = s.exec(ctx, `
		INSERT INTO trigger_instances (id, trigger_ref, payload, occurred_at, status, trace_tag)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ti.ID, ti.Trigger, p, Micros(ti.OccurredAt), string(ti.Status), ti.TraceTag)
	if err != nil {
		return fmt.Errorf("creating trigger instance: %w", err)
	}
	return nil
}

const instanceColumns = "id, trigger_ref, payload, occurred_at, status, trace_tag"

func scanInstance(r rowScanner) (*model.TriggerInstance, error) {
	var (
		ti         model.TriggerInstance
		p, trace   sql.NullString
		occurredAt int64
		status     string
	)
	if err := r.Scan(&ti.ID, &ti.Trigger, &p, &occurredAt, &status, &trace); err != nil {
		return nil, err
	}
	v, err := decodeValue(p)
	if err != nil {
		return nil, err
	}
	ti.Payload = v
	ti.OccurredAt = FromMicros(occurredAt)
	ti.Status = model.TriggerInstanceStatus(status)
	ti.TraceTag = trace.String
	return &ti, nil
}

// GetTriggerInstance returns a trigger instance by id.
func (s *Store) GetTriggerInstance(ctx context.Context, id string) (*model.TriggerInstance, error) {
	row := s.queryRow(ctx, "SELECT "+instanceColumns+" FROM trigger_instances WHERE id = ?", id)
	ti, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting trigger instance %s: %w", id, err)
	}
	return ti, nil
}

// ListTriggerInstances returns the most recent instances, optionally for
// one trigger.
func (s *Store) ListTriggerInstances(ctx context.Context, triggerRef string, limit int) ([]*model.TriggerInstance, error) {
	query := "SELECT " + instanceColumns + " FROM trigger_instances WHERE 1=1"
	var args []any
	if triggerRef != "" {
		query += " AND trigger_ref = ?"
		args = append(args, triggerRef)
	}
	query += " ORDER BY occurred_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing trigger instances: %w", err)
	}
	defer rows.Close()

	var out []*model.TriggerInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// SetTriggerInstanceStatus records a processing status transition.
func (s *Store) SetTriggerInstanceStatus(ctx context.Context, id string, status model.TriggerInstanceStatus) error {
	res, err := s.exec(ctx, "UPDATE trigger_instances SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("updating trigger instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTriggerInstance moves a received instance to processing. It
// reports false when the instance was already claimed.
func (s *Store) ClaimTriggerInstance(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "UPDATE trigger_instances SET status = ? WHERE id = ? AND status = ?",
		string(model.TriggerInstanceProcessing), id, string(model.TriggerInstanceReceived))
	if err != nil {
		return false, fmt.Errorf("claiming trigger instance %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PendingTriggerInstances returns received instances that occurred
// before the given time, oldest first.
func (s *Store) PendingTriggerInstances(ctx context.Context, before time.Time, limit int) ([]*model.TriggerInstance, error) {
	query := "SELECT " + instanceColumns + " FROM trigger_instances WHERE status = ? AND occurred_at < ? ORDER BY occurred_at"
	args := []any{string(model.TriggerInstanceReceived), Micros(before)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending trigger instances: %w", err)
	}
	defer rows.Close()

	var out []*model.TriggerInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}
