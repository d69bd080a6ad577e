// internal/queue/queue.go
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/store"
)

var (
	// ErrNotFound is returned when a queue item does not exist.
	ErrNotFound = errors.New("queue item not found")
	// ErrStateConflict is returned when an item is not in the state a
	// transition requires.
	ErrStateConflict = errors.New("queue item state conflict")
)

// Queue is the durable scheduling queue. Every transition is a single
// conditional update, so any number of processes may share one queue.
type Queue interface {
	// Enqueue adds an item for liveActionID unless one is already ready,
	// scheduling or scheduled. It returns the active item and whether it
	// was created by this call.
	Enqueue(ctx context.Context, liveActionID string, at time.Time) (*model.QueueItem, bool, error)
	// ClaimNext moves the earliest eligible ready item to scheduling and
	// returns it, or returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time, worker string) (*model.QueueItem, error)
	MarkScheduled(ctx context.Context, id string) error
	MarkHandled(ctx context.Context, id, message string) error
	// Requeue returns a scheduling item to ready at a later start time.
	Requeue(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (*model.QueueItem, error)
	List(ctx context.Context, state model.QueueState, limit int) ([]*model.QueueItem, error)
	Stats(ctx context.Context) (Stats, error)
	GC(ctx context.Context, opts GCOptions) (GCResult, error)
}

// Stats counts items per state.
type Stats struct {
	Ready      int `json:"ready"`
	Scheduling int `json:"scheduling"`
	Scheduled  int `json:"scheduled"`
	Handled    int `json:"handled"`
}

// SQL is a Queue backed by the store's scheduling_queue table.
type SQL struct {
	st *store.Store
	db *sql.DB
	d  store.Dialect
}

// New returns a queue sharing st's database.
func New(st *store.Store) *SQL {
	return &SQL{st: st, db: st.DB(), d: st.Dialect()}
}

const itemColumns = `id, liveaction_id, state, original_start_timestamp, scheduled_start_timestamp,
	claimed_by, claimed_at, message, updated_at`

func scanItem(r interface{ Scan(...any) error }) (*model.QueueItem, error) {
	var (
		it                              model.QueueItem
		state                           string
		claimedBy, message              sql.NullString
		original, scheduled, claimed, u int64
	)
	if err := r.Scan(&it.ID, &it.LiveActionID, &state, &original, &scheduled,
		&claimedBy, &claimed, &message, &u); err != nil {
		return nil, err
	}
	it.State = model.QueueState(state)
	it.OriginalStartTimestamp = store.FromMicros(original)
	it.ScheduledStartTimestamp = store.FromMicros(scheduled)
	it.ClaimedBy = claimedBy.String
	it.ClaimedAt = store.FromMicros(claimed)
	it.Message = message.String
	it.UpdatedAt = store.FromMicros(u)
	return &it, nil
}

func (q *SQL) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.d.Rebind(query), args...)
}

func (q *SQL) Enqueue(ctx context.Context, liveActionID string, at time.Time) (*model.QueueItem, bool, error) {
	now := time.Now()
	if at.IsZero() {
		at = now
	}
	res, err := q.exec(ctx, `
		INSERT INTO scheduling_queue (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, 0, NULL, ?)
		ON CONFLICT DO NOTHING`,
		model.NewID(), liveActionID, string(model.QueueReady), store.Micros(now), store.Micros(at), store.Micros(now))
	if err != nil {
		return nil, false, fmt.Errorf("enqueueing %s: %w", liveActionID, err)
	}
	created, _ := res.RowsAffected()

	row := q.db.QueryRowContext(ctx, q.d.Rebind(
		"SELECT "+itemColumns+" FROM scheduling_queue WHERE liveaction_id = ? AND state <> ?"),
		liveActionID, string(model.QueueHandled))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Handled between insert and read; treat as a fresh conflict.
		return nil, false, ErrStateConflict
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading queue item for %s: %w", liveActionID, err)
	}
	return it, created > 0, nil
}

func (q *SQL) ClaimNext(ctx context.Context, now time.Time, worker string) (*model.QueueItem, error) {
	ts := store.Micros(now)
	row := q.db.QueryRowContext(ctx, q.d.Rebind(`
		UPDATE scheduling_queue
		SET state = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM scheduling_queue
			WHERE state = ? AND scheduled_start_timestamp <= ?
			ORDER BY scheduled_start_timestamp, original_start_timestamp
			LIMIT 1`+q.d.SkipLocked()+`
		) AND state = ?
		RETURNING `+itemColumns),
		string(model.QueueScheduling), worker, ts, ts,
		string(model.QueueReady), ts,
		string(model.QueueReady))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming queue item: %w", err)
	}
	return it, nil
}

// transition moves id to state `to` if it is currently in one of from.
func (q *SQL) transition(ctx context.Context, id string, to model.QueueState, message string, from ...model.QueueState) error {
	args := []any{string(to), message, store.Micros(time.Now()), id}
	in := ""
	for i, st := range from {
		if i > 0 {
			in += ", "
		}
		in += "?"
		args = append(args, string(st))
	}
	res, err := q.exec(ctx, `
		UPDATE scheduling_queue SET state = ?, message = ?, updated_at = ?
		WHERE id = ? AND state IN (`+in+`)`, args...)
	if err != nil {
		return fmt.Errorf("moving queue item %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (q *SQL) MarkScheduled(ctx context.Context, id string) error {
	return q.transition(ctx, id, model.QueueScheduled, "", model.QueueScheduling)
}

func (q *SQL) MarkHandled(ctx context.Context, id, message string) error {
	return q.transition(ctx, id, model.QueueHandled, message,
		model.QueueReady, model.QueueScheduling, model.QueueScheduled)
}

func (q *SQL) Requeue(ctx context.Context, id string, at time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE scheduling_queue
		SET state = ?, scheduled_start_timestamp = ?, claimed_by = NULL, claimed_at = 0, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(model.QueueReady), store.Micros(at), store.Micros(time.Now()), id, string(model.QueueScheduling))
	if err != nil {
		return fmt.Errorf("requeueing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

func (q *SQL) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	row := q.db.QueryRowContext(ctx, q.d.Rebind("SELECT "+itemColumns+" FROM scheduling_queue WHERE id = ?"), id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting queue item %s: %w", id, err)
	}
	return it, nil
}

// List returns items in the given state, or every item when state is
// empty, ordered by scheduled start.
func (q *SQL) List(ctx context.Context, state model.QueueState, limit int) ([]*model.QueueItem, error) {
	query := "SELECT " + itemColumns + " FROM scheduling_queue"
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY scheduled_start_timestamp, original_start_timestamp"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, q.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	defer rows.Close()

	var out []*model.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *SQL) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM scheduling_queue GROUP BY state")
	if err != nil {
		return s, fmt.Errorf("reading queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return s, err
		}
		switch model.QueueState(state) {
		case model.QueueReady:
			s.Ready = n
		case model.QueueScheduling:
			s.Scheduling = n
		case model.QueueScheduled:
			s.Scheduled = n
		case model.QueueHandled:
			s.Handled = n
		}
	}
	return s, rows.Err()
}
