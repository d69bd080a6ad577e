// internal/store/retention.go
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/colebrumley/reactor/internal/model"
)

// Retention holds how long each collection keeps rows. A zero duration
// disables cleanup of that collection.
type Retention struct {
	TriggerInstances time.Duration
	Enforcements     time.Duration
	Executions       time.Duration
}

// CleanupResult counts the rows removed by Cleanup.
type CleanupResult struct {
	TriggerInstances int64 `json:"trigger_instances"`
	Enforcements     int64 `json:"rule_enforcements"`
	Executions       int64 `json:"executions"`
	Triggers         int64 `json:"triggers"`
}

// Cleanup deletes expired trigger instances, enforcements and terminal
// executions, then removes triggers no rule references.
func (s *Store) Cleanup(ctx context.Context, r Retention) (CleanupResult, error) {
	var (
		out CleanupResult
		err error
	)
	now := time.Now()

	if r.TriggerInstances > 0 {
		out.TriggerInstances, err = s.deleteBefore(ctx,
			"DELETE FROM trigger_instances WHERE occurred_at < ?", now.Add(-r.TriggerInstances))
		if err != nil {
			return out, fmt.Errorf("cleaning trigger instances: %w", err)
		}
	}
	if r.Enforcements > 0 {
		out.Enforcements, err = s.deleteBefore(ctx,
			"DELETE FROM rule_enforcements WHERE enforced_at < ?", now.Add(-r.Enforcements))
		if err != nil {
			return out, fmt.Errorf("cleaning enforcements: %w", err)
		}
	}
	if r.Executions > 0 {
		args := []any{Micros(now.Add(-r.Executions))}
		args = append(args, statusArgs(model.TerminalStatuses)...)
		res, err := s.exec(ctx, "DELETE FROM executions WHERE end_timestamp > 0 AND end_timestamp < ? AND status IN ("+
			placeholders(len(model.TerminalStatuses))+")", args...)
		if err != nil {
			return out, fmt.Errorf("cleaning executions: %w", err)
		}
		out.Executions, _ = res.RowsAffected()
	}

	out.Triggers, err = s.DeleteUnreferencedTriggers(ctx)
	if err != nil {
		return out, err
	}
	return out, nil
}

func (s *Store) deleteBefore(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, query, Micros(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
