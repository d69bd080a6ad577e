// internal/runner/container.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/metrics"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("runner container closed")

// Tracker records execution status transitions.
type Tracker interface {
	MarkRunning(ctx context.Context, id string) (*model.LiveAction, error)
	Complete(ctx context.Context, id string, status model.ExecutionStatus, result payload.Value) (*model.LiveAction, error)
	Fail(ctx context.Context, id string, cause error) (*model.LiveAction, error)
}

// StatusReader reports the stored status of executions.
type StatusReader interface {
	ExecutionStatuses(ctx context.Context, ids []string) (map[string]model.ExecutionStatus, error)
}

type ContainerOptions struct {
	PoolSize           int
	DefaultTimeout     time.Duration
	CancelPollInterval time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
}

// Container runs dispatched executions in the background, at most
// PoolSize at once.
type Container struct {
	registry       *Registry
	tracker        Tracker
	statuses       StatusReader
	logger         *slog.Logger
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
	pollInterval   time.Duration
	sem            chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewContainer(registry *Registry, tracker Tracker, statuses StatusReader, opts ContainerOptions) *Container {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		registry:       registry,
		tracker:        tracker,
		statuses:       statuses,
		logger:         logging.WithComponent(opts.Logger, "runner"),
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		pollInterval:   opts.CancelPollInterval,
		sem:            make(chan struct{}, opts.PoolSize),
		ctx:            ctx,
		cancel:         cancel,
		inflight:       map[string]context.CancelFunc{},
	}
}

// Slot is a reserved place in the runner pool.
type Slot interface {
	// Dispatch starts la in the slot and returns once it is marked
	// running. The slot is consumed whether or not it succeeds.
	Dispatch(ctx context.Context, la *model.LiveAction) error
	// Release returns an unused slot. It is a no-op after Dispatch.
	Release()
}

// ErrSlotUsed is returned when a Slot is dispatched twice.
var ErrSlotUsed = errors.New("runner slot already used")

type slot struct {
	c    *Container
	once sync.Once
}

func (s *slot) Release() {
	s.once.Do(func() { <-s.c.sem })
}

func (s *slot) Dispatch(ctx context.Context, la *model.LiveAction) error {
	used := true
	s.once.Do(func() { used = false })
	if used {
		return ErrSlotUsed
	}
	return s.c.start(ctx, la)
}

// Reserve blocks until the pool has room for one more execution.
func (c *Container) Reserve(ctx context.Context) (Slot, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	select {
	case c.sem <- struct{}{}:
		return &slot{c: c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Dispatch reserves a slot for la and starts it, blocking while the pool
// is full. Completion is recorded asynchronously through the Tracker.
func (c *Container) Dispatch(ctx context.Context, la *model.LiveAction) error {
	if _, err := c.registry.Get(la.RunnerType); err != nil {
		return err
	}
	sl, err := c.Reserve(ctx)
	if err != nil {
		return err
	}
	return sl.Dispatch(ctx, la)
}

// start runs la in a slot the caller already holds, giving the slot back
// on failure.
func (c *Container) start(ctx context.Context, la *model.LiveAction) error {
	rn, err := c.registry.Get(la.RunnerType)
	if err != nil {
		<-c.sem
		return err
	}
	if c.ctx.Err() != nil {
		<-c.sem
		return ErrClosed
	}

	c.wg.Add(1)
	running, err := c.tracker.MarkRunning(ctx, la.ID)
	if err != nil {
		<-c.sem
		c.wg.Done()
		return err
	}

	runCtx, cancel := context.WithTimeout(c.ctx, Timeout(running, c.defaultTimeout))
	c.mu.Lock()
	c.inflight[la.ID] = cancel
	c.mu.Unlock()

	go c.execute(runCtx, rn, running)
	return nil
}

func (c *Container) execute(ctx context.Context, rn Runner, la *model.LiveAction) {
	logger := logging.WithExecution(c.logger, la.ID)
	start := time.Now()
	c.metrics.RunnerStarted()

	defer func() {
		c.mu.Lock()
		cancel := c.inflight[la.ID]
		delete(c.inflight, la.ID)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-c.sem
		c.wg.Done()
	}()

	logger.Info("execution started", "action", la.Action, "runner", la.RunnerType)
	res, err := c.run(ctx, rn, la)

	// The run context may be gone; the final write must still happen.
	writeCtx := context.WithoutCancel(ctx)
	var final *model.LiveAction
	switch {
	case c.ctx.Err() != nil:
		final, err = c.tracker.Complete(writeCtx, la.ID, model.StatusAbandoned,
			payload.MustFromAny(map[string]any{"error": "runner container shut down"}))
	case err != nil:
		final, err = c.tracker.Fail(writeCtx, la.ID, err)
	case !res.Status.Terminal():
		final, err = c.tracker.Fail(writeCtx, la.ID, fmt.Errorf("runner %s reported non-terminal status %q", la.RunnerType, res.Status))
	default:
		final, err = c.tracker.Complete(writeCtx, la.ID, res.Status, res.Output)
	}

	status := res.Status
	if final != nil {
		status = final.Status
	}
	if err != nil {
		logger.Warn("recording execution result", "status", status, "error", err)
	}
	c.metrics.RunnerFinished(la.RunnerType, string(status), time.Since(start))
	logger.Info("execution finished", "action", la.Action, "status", status, "duration", time.Since(start))
}

func (c *Container) run(ctx context.Context, rn Runner, la *model.LiveAction) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return rn.Run(ctx, la)
}

// InFlight returns the ids of running executions.
func (c *Container) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Run watches in-flight executions for cancellation until ctx is done,
// then closes the container.
func (c *Container) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
			c.checkCanceled(ctx)
		}
	}
}

// checkCanceled stops runs whose execution was finished by someone else,
// normally an operator cancel.
func (c *Container) checkCanceled(ctx context.Context) {
	ids := c.InFlight()
	if len(ids) == 0 {
		return
	}
	statuses, err := c.statuses.ExecutionStatuses(ctx, ids)
	if err != nil {
		c.logger.Warn("polling execution statuses", "error", err)
		return
	}
	for id, status := range statuses {
		if !status.Terminal() {
			continue
		}
		c.mu.Lock()
		cancel := c.inflight[id]
		c.mu.Unlock()
		if cancel != nil {
			logging.WithExecution(c.logger, id).Info("stopping execution", "status", status)
			cancel()
		}
	}
}

// Close stops accepting work, cancels running executions and waits for
// them to record their final status.
func (c *Container) Close() {
	c.cancel()
	c.wg.Wait()
}
