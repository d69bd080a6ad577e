// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/metrics"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/runner"
	"github.com/colebrumley/reactor/internal/store"
)

// Queue messages recorded on handled items.
const (
	MsgDispatched = "dispatched"
	MsgCanceled   = "canceled"
	MsgMissing    = "liveaction missing"
)

// Executions is the execution persistence the scheduler needs.
type Executions interface {
	GetExecution(ctx context.Context, id string) (*model.LiveAction, error)
	UpdateExecutionStatus(ctx context.Context, id string, u store.StatusUpdate) (*model.LiveAction, error)
}

// PreRunner applies pre-run policies.
type PreRunner interface {
	ApplyPreRun(ctx context.Context, la *model.LiveAction) (*model.LiveAction, error)
}

// Dispatcher hands out runner capacity. Reserve blocks while every
// runner is busy; the returned slot's Dispatch returns once the runner
// has accepted the execution.
type Dispatcher interface {
	Reserve(ctx context.Context) (runner.Slot, error)
}

// Failer marks an execution failed.
type Failer interface {
	Fail(ctx context.Context, id string, cause error) (*model.LiveAction, error)
}

type Options struct {
	// Worker identifies this process on claimed items.
	Worker            string
	PoolSize          int
	SleepInterval     time.Duration
	GCInterval        time.Duration
	SchedulingTimeout time.Duration
	HandledRetention  time.Duration
	DelayedReschedule time.Duration
	Retry             queue.RetryConfig
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Worker == "" {
		host, _ := os.Hostname()
		o.Worker = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.SleepInterval <= 0 {
		o.SleepInterval = 100 * time.Millisecond
	}
	if o.GCInterval <= 0 {
		o.GCInterval = 10 * time.Second
	}
	if o.SchedulingTimeout <= 0 {
		o.SchedulingTimeout = 5 * time.Minute
	}
	if o.DelayedReschedule <= 0 {
		o.DelayedReschedule = 2500 * time.Millisecond
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = queue.DefaultRetry()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler claims ready queue items, gates them through pre-run
// policies, and dispatches them. Any number of schedulers may share one
// queue.
type Scheduler struct {
	queue      queue.Queue
	executions Executions
	policies   PreRunner
	dispatcher Dispatcher
	failer     Failer
	opts       Options
	logger     *slog.Logger
}

func New(q queue.Queue, executions Executions, policies PreRunner, dispatcher Dispatcher, failer Failer, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		queue:      q,
		executions: executions,
		policies:   policies,
		dispatcher: dispatcher,
		failer:     failer,
		opts:       opts,
		logger:     logging.WithComponent(opts.Logger, "scheduler").With("worker", opts.Worker),
	}
}

// Run claims and processes items until ctx is done. It returns an error
// only when storage keeps failing past the retry budget.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.gcLoop(ctx) })
	g.Go(func() error { return s.claimLoop(ctx) })

	s.logger.Info("scheduler started", "pool_size", s.opts.PoolSize)
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// claimLoop claims an item only once a runner slot is held, so nothing
// sits claimed while the runners are busy.
func (s *Scheduler) claimLoop(ctx context.Context) error {
	workers, ctx := errgroup.WithContext(ctx)
	workers.SetLimit(s.opts.PoolSize)
	defer workers.Wait()

	for {
		slot, err := s.dispatcher.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return workers.Wait()
			}
			return errors.Join(fmt.Errorf("reserving runner slot: %w", err), workers.Wait())
		}

		item, err := queue.RetryValue(ctx, s.opts.Retry, func() (*model.QueueItem, error) {
			return s.queue.ClaimNext(ctx, s.opts.Now(), s.opts.Worker)
		})
		if err != nil {
			slot.Release()
			if ctx.Err() != nil {
				return workers.Wait()
			}
			return errors.Join(fmt.Errorf("claiming queue items: %w", err), workers.Wait())
		}
		if item == nil {
			slot.Release()
			select {
			case <-time.After(s.opts.SleepInterval):
			case <-ctx.Done():
			}
			continue
		}

		s.opts.Metrics.Claimed()
		workers.Go(func() error {
			if err := s.process(ctx, item, slot); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
}

// Process takes one claimed item to handled, or back to ready when a
// policy delays it. Business outcomes are recorded on the item and the
// execution; the returned error is reserved for storage failures.
func (s *Scheduler) Process(ctx context.Context, item *model.QueueItem) error {
	slot, err := s.dispatcher.Reserve(ctx)
	if err != nil {
		return fmt.Errorf("reserving runner slot: %w", err)
	}
	return s.process(ctx, item, slot)
}

func (s *Scheduler) process(ctx context.Context, item *model.QueueItem, slot runner.Slot) error {
	defer slot.Release()
	logger := logging.WithExecution(s.logger, item.LiveActionID).With("queue_item", item.ID)

	la, err := queue.RetryValue(ctx, s.opts.Retry, func() (*model.LiveAction, error) {
		return s.executions.GetExecution(ctx, item.LiveActionID)
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("queue item references a missing execution")
		return s.handled(ctx, item, MsgMissing, "skipped")
	}
	if err != nil {
		return err
	}
	if msg, skip := skipStatus(la.Status); skip {
		logger.Info("skipping execution", "status", la.Status)
		return s.handled(ctx, item, msg, "skipped")
	}

	la, err = queue.RetryValue(ctx, s.opts.Retry, func() (*model.LiveAction, error) {
		return s.policies.ApplyPreRun(ctx, la)
	})
	if err != nil {
		if queue.IsTransient(err) || errors.Is(err, queue.ErrRetriesExhausted) {
			return err
		}
		return s.fail(ctx, item, la, fmt.Errorf("applying pre-run policies: %w", err))
	}

	switch {
	case la.Status == model.StatusDelayed:
		at := s.opts.Now().Add(s.opts.DelayedReschedule)
		logger.Info("execution delayed by policy", "retry_at", at)
		err := s.retry(ctx, func() error { return s.queue.Requeue(ctx, item.ID, at) })
		if claimLost(err) {
			logger.Warn("queue claim lost before requeue", "error", err)
			return nil
		}
		if err == nil {
			s.opts.Metrics.Scheduled("delayed")
		}
		return err
	case la.Status.Terminal():
		msg, _ := skipStatus(la.Status)
		return s.handled(ctx, item, msg, "canceled_by_policy")
	}

	if la.Status != model.StatusScheduled {
		next, err := queue.RetryValue(ctx, s.opts.Retry, func() (*model.LiveAction, error) {
			return s.executions.UpdateExecutionStatus(ctx, la.ID, store.StatusUpdate{
				From: []model.ExecutionStatus{model.StatusRequested, model.StatusDelayed},
				To:   model.StatusScheduled,
			})
		})
		if errors.Is(err, store.ErrConflict) {
			current, gerr := s.executions.GetExecution(ctx, la.ID)
			if gerr != nil {
				return gerr
			}
			msg, _ := skipStatus(current.Status)
			return s.handled(ctx, item, msg, "skipped")
		}
		if err != nil {
			return err
		}
		la = next
	}

	// A rolled back item is ready again and belongs to whoever claims it
	// next; the execution stays scheduled and is dispatched from there.
	err = s.retry(ctx, func() error { return s.queue.MarkScheduled(ctx, item.ID) })
	if claimLost(err) {
		logger.Warn("queue claim lost before dispatch", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	if err := slot.Dispatch(ctx, la); err != nil {
		if ctx.Err() != nil {
			// Shutting down; GC abandons the item once it goes stale.
			return nil
		}
		return s.fail(ctx, item, la, fmt.Errorf("dispatching to runner: %w", err))
	}
	logger.Info("execution dispatched", "action", la.Action, "runner", la.RunnerType)
	return s.handled(ctx, item, MsgDispatched, "dispatched")
}

// claimLost reports whether err means the item left this worker's claim,
// rolled back by GC or deleted.
func claimLost(err error) bool {
	return errors.Is(err, queue.ErrStateConflict) || errors.Is(err, queue.ErrNotFound)
}

// fail records a scheduling failure on the execution and hands the item
// off. Unless the execution was finished concurrently, it ends failed.
func (s *Scheduler) fail(ctx context.Context, item *model.QueueItem, la *model.LiveAction, cause error) error {
	logger := logging.WithExecution(s.logger, la.ID)
	current, err := s.failer.Fail(ctx, la.ID, cause)
	msg := "failed: " + cause.Error()
	if err != nil {
		if current == nil {
			return fmt.Errorf("failing execution %s: %w", la.ID, err)
		}
		if m, ok := skipStatus(current.Status); ok {
			msg = m
		}
	}
	logger.Warn("scheduling failed", "error", cause)
	return s.handled(ctx, item, msg, "dispatch_failed")
}

func (s *Scheduler) handled(ctx context.Context, item *model.QueueItem, msg, outcome string) error {
	err := s.retry(ctx, func() error { return s.queue.MarkHandled(ctx, item.ID, msg) })
	if claimLost(err) {
		// GC got there first.
		err = nil
	}
	if err == nil {
		s.opts.Metrics.Scheduled(outcome)
	}
	return err
}

func (s *Scheduler) retry(ctx context.Context, fn func() error) error {
	return queue.Retry(ctx, s.opts.Retry, fn)
}

// skipStatus reports whether an execution in status must not be
// dispatched, and the queue message to record.
func skipStatus(status model.ExecutionStatus) (string, bool) {
	switch {
	case status == model.StatusCanceled:
		return MsgCanceled, true
	case status.Terminal():
		return "liveaction " + string(status), true
	case status == model.StatusRunning:
		return "liveaction already running", true
	}
	return "", false
}

// GC runs one queue garbage collection pass and refreshes the depth
// gauges.
func (s *Scheduler) GC(ctx context.Context) (queue.GCResult, error) {
	res, err := queue.RetryValue(ctx, s.opts.Retry, func() (queue.GCResult, error) {
		return s.queue.GC(ctx, queue.GCOptions{
			SchedulingTimeout: s.opts.SchedulingTimeout,
			HandledRetention:  s.opts.HandledRetention,
			Now:               s.opts.Now(),
		})
	})
	if err != nil {
		return res, fmt.Errorf("collecting queue garbage: %w", err)
	}
	m := s.opts.Metrics
	m.GarbageCollected("rolled_back", res.RolledBack)
	m.GarbageCollected("completed", res.Completed)
	m.GarbageCollected("abandoned", res.Abandoned)
	m.GarbageCollected("deleted", res.Deleted)

	if stats, err := s.queue.Stats(ctx); err == nil {
		m.QueueDepth(map[string]int{
			string(model.QueueReady):      stats.Ready,
			string(model.QueueScheduling): stats.Scheduling,
			string(model.QueueScheduled):  stats.Scheduled,
			string(model.QueueHandled):    stats.Handled,
		})
	}
	if res.RolledBack+res.Completed+res.Abandoned+res.Deleted > 0 {
		s.logger.Info("queue garbage collected",
			"rolled_back", res.RolledBack, "completed", res.Completed,
			"abandoned", res.Abandoned, "deleted", res.Deleted)
	}
	return res, nil
}

func (s *Scheduler) gcLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.GC(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, queue.ErrRetriesExhausted) {
					return err
				}
				s.logger.Error("queue gc failed", "error", err)
			}
		}
	}
}
