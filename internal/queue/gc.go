// internal/queue/gc.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/store"
)

// GCOptions configures one garbage collection pass.
type GCOptions struct {
	// SchedulingTimeout is how long an item may stay in scheduling or
	// scheduled before its worker is presumed dead.
	SchedulingTimeout time.Duration
	// HandledRetention is how long handled items are kept. Zero keeps
	// them forever.
	HandledRetention time.Duration
	Now              time.Time
}

// GCResult counts what a pass changed.
type GCResult struct {
	RolledBack int `json:"rolled_back"`
	Completed  int `json:"completed"`
	Abandoned  int `json:"abandoned"`
	Deleted    int `json:"deleted"`
}

// GC rolls back items stuck in scheduling, hands off items whose
// liveaction reached a terminal status, abandons items whose dispatch was
// never acknowledged, and deletes old handled items.
func (q *SQL) GC(ctx context.Context, opts GCOptions) (GCResult, error) {
	var res GCResult
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := store.Micros(now.Add(-opts.SchedulingTimeout))

	r, err := q.exec(ctx, `
		UPDATE scheduling_queue
		SET state = ?, claimed_by = NULL, claimed_at = 0, updated_at = ?
		WHERE state = ? AND claimed_at < ?`,
		string(model.QueueReady), store.Micros(now), string(model.QueueScheduling), cutoff)
	if err != nil {
		return res, fmt.Errorf("rolling back stale claims: %w", err)
	}
	n, _ := r.RowsAffected()
	res.RolledBack = int(n)

	items, err := q.activeItems(ctx)
	if err != nil {
		return res, err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.LiveActionID)
	}
	statuses, err := q.st.ExecutionStatuses(ctx, ids)
	if err != nil {
		return res, err
	}

	for _, it := range items {
		status, ok := statuses[it.LiveActionID]
		switch {
		case !ok || status.Terminal():
			msg := "liveaction missing"
			if ok {
				msg = "liveaction " + string(status)
			}
			if err := q.MarkHandled(ctx, it.ID, msg); err != nil && !errors.Is(err, ErrStateConflict) {
				return res, err
			}
			res.Completed++

		case it.State == model.QueueScheduled && status == model.StatusScheduled &&
			store.Micros(it.UpdatedAt) < cutoff:
			_, err := q.st.UpdateExecutionStatus(ctx, it.LiveActionID, store.StatusUpdate{
				From:   []model.ExecutionStatus{model.StatusScheduled},
				To:     model.StatusAbandoned,
				Result: payload.MustFromAny(map[string]any{"error": "execution was scheduled but never started"}),
			})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return res, err
			}
			if err := q.MarkHandled(ctx, it.ID, "abandoned"); err != nil && !errors.Is(err, ErrStateConflict) {
				return res, err
			}
			res.Abandoned++
		}
	}

	if opts.HandledRetention > 0 {
		r, err := q.exec(ctx, "DELETE FROM scheduling_queue WHERE state = ? AND updated_at < ?",
			string(model.QueueHandled), store.Micros(now.Add(-opts.HandledRetention)))
		if err != nil {
			return res, fmt.Errorf("deleting handled items: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Deleted = int(n)
	}
	return res, nil
}

func (q *SQL) activeItems(ctx context.Context) ([]*model.QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, q.d.Rebind(
		"SELECT "+itemColumns+" FROM scheduling_queue WHERE state <> ?"), string(model.QueueHandled))
	if err != nil {
		return nil, fmt.Errorf("listing active queue items: %w", err)
	}
	defer rows.Close()

	var out []*model.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
