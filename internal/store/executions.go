// internal/store/executions.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

const executionColumns = `id, action, runner_type, parameters, status, context, result,
	start_timestamp, end_timestamp`

// CreateExecution stores a new LiveAction. Status defaults to requested.
func (s *Store) CreateExecution(ctx context.Context, la *model.LiveAction) error {
	if la.ID == "" {
		la.ID = model.NewID()
	}
	if la.Status == "" {
		la.Status = model.StatusRequested
	}
	if la.StartTimestamp.IsZero() {
		la.StartTimestamp = time.Now().UTC()
	}
	params, err := encodeValue(la.Parameters)
	if err != nil {
		return err
	}
	execCtx, err := encodeValue(la.Context)
	if err != nil {
		return err
	}
	result, err := encodeValue(la.Result)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO executions (`+executionColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		la.ID, la.Action, la.RunnerType, params, string(la.Status), execCtx, result,
		Micros(la.StartTimestamp), Micros(la.EndTimestamp), Micros(time.Now()))
	if err != nil {
		return fmt.Errorf("creating execution for %s: %w", la.Action, err)
	}
	return nil
}

func scanExecution(r rowScanner) (*model.LiveAction, error) {
	var (
		la                      model.LiveAction
		params, execCtx, result sql.NullString
		status                  string
		start, end              int64
	)
	if err := r.Scan(&la.ID, &la.Action, &la.RunnerType, &params, &status, &execCtx, &result,
		&start, &end); err != nil {
		return nil, err
	}
	la.Status = model.ExecutionStatus(status)
	la.StartTimestamp = FromMicros(start)
	la.EndTimestamp = FromMicros(end)

	var err error
	if la.Parameters, err = decodeValue(params); err != nil {
		return nil, err
	}
	if la.Context, err = decodeValue(execCtx); err != nil {
		return nil, err
	}
	if la.Result, err = decodeValue(result); err != nil {
		return nil, err
	}
	return &la, nil
}

// GetExecution returns a LiveAction by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.LiveAction, error) {
	la, err := scanExecution(s.queryRow(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return la, nil
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	Action   string
	Statuses []model.ExecutionStatus
	Limit    int
}

// ListExecutions returns executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.LiveAction, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE 1=1"
	var args []any
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		args = append(args, statusArgs(f.Statuses)...)
	}
	query += " ORDER BY start_timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*model.LiveAction
	for rows.Next() {
		la, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		out = append(out, la)
	}
	return out, rows.Err()
}

// ExecutionStatuses returns the current status of each id that exists.
func (s *Store) ExecutionStatuses(ctx context.Context, ids []string) (map[string]model.ExecutionStatus, error) {
	out := make(map[string]model.ExecutionStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(ctx, "SELECT id, status FROM executions WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("reading execution statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = model.ExecutionStatus(status)
	}
	return out, rows.Err()
}

// StatusUpdate describes a conditional execution transition.
type StatusUpdate struct {
	// From lists the statuses the execution must be in. Empty means any
	// non-terminal status.
	From []model.ExecutionStatus
	To   model.ExecutionStatus
	// Result replaces the stored result unless it is null.
	Result payload.Value
	// Context replaces the stored context unless it is null.
	Context payload.Value
}

// UpdateExecutionStatus applies u only if the execution is still in one
// of u.From. It returns ErrConflict when the guard fails and ErrNotFound
// when the execution does not exist.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, u StatusUpdate) (*model.LiveAction, error) {
	from := u.From
	if len(from) == 0 {
		from = nonTerminal()
	}

	now := time.Now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.To), Micros(now)}
	if u.To.Terminal() {
		set = append(set, "end_timestamp = ?")
		args = append(args, Micros(now))
	}
	if !u.Result.IsNull() {
		r, err := encodeValue(u.Result)
		if err != nil {
			return nil, err
		}
		set = append(set, "result = ?")
		args = append(args, r)
	}
	if !u.Context.IsNull() {
		c, err := encodeValue(u.Context)
		if err != nil {
			return nil, err
		}
		set = append(set, "context = ?")
		args = append(args, c)
	}
	args = append(args, id)
	args = append(args, statusArgs(from)...)

	res, err := s.exec(ctx, "UPDATE executions SET "+strings.Join(set, ", ")+
		" WHERE id = ? AND status IN ("+placeholders(len(from))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("updating execution %s to %s: %w", id, u.To, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return s.GetExecution(ctx, id)
}

// Limit caps the executions of one action that may be scheduled or
// running at once. When Attributes is set, the cap applies separately to
// each distinct combination of those parameter values.
type Limit struct {
	Threshold  int
	Attributes []string
}

// ScheduleWithinLimit moves la to scheduled if it is still schedulable and
// fewer than limit.Threshold other executions of the same action are
// scheduled or running. The count and the transition are one statement so
// concurrent schedulers cannot both pass the check. It reports whether
// the transition happened.
func (s *Store) ScheduleWithinLimit(ctx context.Context, la *model.LiveAction, limit Limit) (bool, error) {
	query := `
		UPDATE executions SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
		  AND (SELECT COUNT(*) FROM executions e
		       WHERE e.action = ? AND e.id <> ? AND e.status IN (?, ?)`
	args := []any{
		string(model.StatusScheduled), Micros(time.Now()),
		la.ID, string(model.StatusRequested), string(model.StatusDelayed), string(model.StatusScheduled),
		la.Action, la.ID, string(model.StatusScheduled), string(model.StatusRunning),
	}
	// Attribute values compare as JSON so true, 1 and "1" stay distinct.
	for _, attr := range limit.Attributes {
		col := s.dialect.JSONField("e.parameters", payload.EscapeKey(attr))
		param := s.dialect.JSONParam()
		v, ok := payload.Lookup(la.Parameters, attr)
		if !ok || v.IsNull() {
			query += " AND (" + col + " IS NULL OR " + col + " = " + param + ")"
			args = append(args, "null")
			continue
		}
		enc, err := encodeValue(v)
		if err != nil {
			return false, err
		}
		query += " AND " + col + " = " + param
		args = append(args, enc)
	}
	query += ") < ?"
	args = append(args, limit.Threshold)

	var (
		res sql.Result
		err error
	)
	if lock := s.dialect.AdvisoryLock(); lock != "" {
		res, err = s.execLocked(ctx, lock, la.Action, query, args...)
	} else {
		res, err = s.exec(ctx, query, args...)
	}
	if err != nil {
		return false, fmt.Errorf("scheduling execution %s: %w", la.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// execLocked runs query in a transaction holding an advisory lock on key.
func (s *Store) execLocked(ctx context.Context, lock, key, query string, args ...any) (sql.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(lock), key); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return res, tx.Commit()
}

// CountActive returns the number of scheduled or running executions of an
// action.
func (s *Store) CountActive(ctx context.Context, action string) (int, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM executions WHERE action = ? AND status IN (?, ?)",
		action, string(model.StatusScheduled), string(model.StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active executions of %s: %w", action, err)
	}
	return n, nil
}

func nonTerminal() []model.ExecutionStatus {
	return []model.ExecutionStatus{
		model.StatusRequested, model.StatusDelayed, model.StatusScheduled, model.StatusRunning,
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []model.ExecutionStatus) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
