// internal/policy/concurrency.go
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/store"
)

const (
	overflowDelay  = "delay"
	overflowCancel = "cancel"
)

// concurrency caps how many executions of an action are scheduled or
// running at once. Executions over the cap are delayed or canceled.
type concurrency struct {
	ref      string
	limit    store.Limit
	overflow string
	store    Store
	logger   *slog.Logger
}

func newConcurrency(p *model.Policy, deps Deps) (Driver, error) {
	threshold, err := intParam(p, "threshold", 0)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, fmt.Errorf("policy %s: threshold must be at least 1", p.Ref)
	}
	overflow, err := stringParam(p, "action", overflowDelay)
	if err != nil {
		return nil, err
	}
	if overflow != overflowDelay && overflow != overflowCancel {
		return nil, fmt.Errorf("policy %s: action must be %q or %q", p.Ref, overflowDelay, overflowCancel)
	}
	return &concurrency{
		ref:      p.Ref,
		limit:    store.Limit{Threshold: threshold},
		overflow: overflow,
		store:    deps.Store,
		logger:   deps.Logger,
	}, nil
}

func newConcurrencyAttr(p *model.Policy, deps Deps) (Driver, error) {
	drv, err := newConcurrency(p, deps)
	if err != nil {
		return nil, err
	}
	attrs, err := stringsParam(p, "attributes")
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("policy %s: attributes is required", p.Ref)
	}
	c := drv.(*concurrency)
	c.limit.Attributes = attrs
	return c, nil
}

func (c *concurrency) ApplyPreRun(ctx context.Context, la *model.LiveAction) (*model.LiveAction, error) {
	if !la.Status.Schedulable() {
		return la, nil
	}
	ok, err := c.store.ScheduleWithinLimit(ctx, la, c.limit)
	if err != nil {
		return la, err
	}
	if ok {
		next := *la
		next.Status = model.StatusScheduled
		return &next, nil
	}

	u := store.StatusUpdate{To: model.StatusDelayed}
	if c.overflow == overflowCancel {
		u = store.StatusUpdate{
			To: model.StatusCanceled,
			Result: payload.MustFromAny(map[string]any{
				"error": fmt.Sprintf("canceled by policy %s: concurrency threshold %d reached", c.ref, c.limit.Threshold),
			}),
		}
	}
	u.From = []model.ExecutionStatus{model.StatusRequested, model.StatusDelayed, model.StatusScheduled}

	next, err := c.store.UpdateExecutionStatus(ctx, la.ID, u)
	if errors.Is(err, store.ErrConflict) {
		// Someone else moved it; report what is stored now.
		return c.store.GetExecution(ctx, la.ID)
	}
	if err != nil {
		return la, err
	}
	c.logger.Debug("concurrency threshold reached",
		"policy", c.ref, "execution", la.ID, "status", next.Status)
	return next, nil
}

func (c *concurrency) ApplyPostRun(context.Context, *model.LiveAction) error {
	return nil
}
