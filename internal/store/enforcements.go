// internal/store/enforcements.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/colebrumley/reactor/internal/model"
)

// CreateEnforcement writes an audit record. Records are never updated.
func (s *Store) CreateEnforcement(ctx context.Context, e *model.RuleEnforcement) error {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.EnforcedAt.IsZero() {
		e.EnforcedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO rule_enforcements (id, rule_ref, rule_id, trigger_instance_id, execution_id,
			status, failure_reason, enforced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleRef, e.RuleID, e.TriggerInstanceID, e.ExecutionID,
		string(e.Status), e.FailureReason, Micros(e.EnforcedAt))
	if err != nil {
		return fmt.Errorf("creating enforcement for rule %s: %w", e.RuleRef, err)
	}
	return nil
}

// EnforcementFilter narrows ListEnforcements. Zero values match everything.
type EnforcementFilter struct {
	TriggerInstanceID string
	RuleRef           string
	Limit             int
}

// ListEnforcements returns enforcements, newest first.
func (s *Store) ListEnforcements(ctx context.Context, f EnforcementFilter) ([]*model.RuleEnforcement, error) {
	query := `SELECT id, rule_ref, rule_id, trigger_instance_id, execution_id, status,
		failure_reason, enforced_at FROM rule_enforcements WHERE 1=1`
	var args []any
	if f.TriggerInstanceID != "" {
		query += " AND trigger_instance_id = ?"
		args = append(args, f.TriggerInstanceID)
	}
	if f.RuleRef != "" {
		query += " AND rule_ref = ?"
		args = append(args, f.RuleRef)
	}
	query += " ORDER BY enforced_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing enforcements: %w", err)
	}
	defer rows.Close()

	var out []*model.RuleEnforcement
	for rows.Next() {
		var (
			e              model.RuleEnforcement
			execID, reason sql.NullString
			status         string
			enforcedAt     int64
		)
		if err := rows.Scan(&e.ID, &e.RuleRef, &e.RuleID, &e.TriggerInstanceID, &execID,
			&status, &reason, &enforcedAt); err != nil {
			return nil, fmt.Errorf("scanning enforcement: %w", err)
		}
		e.ExecutionID = execID.String
		e.Status = model.EnforcementStatus(status)
		e.FailureReason = reason.String
		e.EnforcedAt = FromMicros(enforcedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
