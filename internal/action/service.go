// internal/action/service.go
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/store"
	"github.com/colebrumley/reactor/internal/trigger"
)

// ErrTerminal is returned when a transition is requested for an
// execution that already finished.
var ErrTerminal = errors.New("execution already finished")

// Store is the execution persistence the service needs.
type Store interface {
	CreateExecution(ctx context.Context, la *model.LiveAction) error
	GetExecution(ctx context.Context, id string) (*model.LiveAction, error)
	UpdateExecutionStatus(ctx context.Context, id string, u store.StatusUpdate) (*model.LiveAction, error)
}

// Enqueuer adds a liveaction to the scheduling queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, liveActionID string, at time.Time) (*model.QueueItem, bool, error)
}

// PostRunner applies post-run policies to a finished liveaction.
type PostRunner interface {
	ApplyPostRun(ctx context.Context, la *model.LiveAction) error
}

// Notifier announces finished executions as trigger instances.
type Notifier interface {
	Dispatch(ctx context.Context, desc trigger.Descriptor, p payload.Value, occurredAt time.Time) (*model.TriggerInstance, error)
}

// Service owns the lifecycle of liveactions: creation, the queue
// hand-off, and every status transition after that.
type Service struct {
	store    Store
	queue    Enqueuer
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	postRun PostRunner
}

func NewService(st Store, q Enqueuer, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		queue:    q,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "action"),
		now:      time.Now,
	}
}

// SetPostRunner installs the post-run policy hook. Policies request new
// liveactions through this service, so the hook is attached after both
// are built.
func (s *Service) SetPostRunner(p PostRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postRun = p
}

func (s *Service) postRunner() PostRunner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.postRun
}

// Request stores la as requested and enqueues it to start at at.
func (s *Service) Request(ctx context.Context, la *model.LiveAction, at time.Time) (*model.LiveAction, error) {
	la.Status = model.StatusRequested
	if la.Parameters.IsNull() {
		la.Parameters = payload.Mapping(nil)
	}
	if err := s.store.CreateExecution(ctx, la); err != nil {
		return nil, err
	}
	if _, _, err := s.queue.Enqueue(ctx, la.ID, at); err != nil {
		_, ferr := s.finish(ctx, la.ID, nil, model.StatusFailed, errorResult(fmt.Errorf("enqueueing: %w", err)))
		return nil, errors.Join(fmt.Errorf("enqueueing execution %s: %w", la.ID, err), ferr)
	}
	logging.WithExecution(s.logger, la.ID).Info("execution requested", "action", la.Action, "start_at", at)
	return la, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.LiveAction, error) {
	return s.store.GetExecution(ctx, id)
}

// Cancel moves a non-terminal execution to canceled. Canceling an
// execution that already finished returns ErrTerminal.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*model.LiveAction, error) {
	if reason == "" {
		reason = "canceled by operator"
	}
	la, err := s.finish(ctx, id, nil, model.StatusCanceled,
		payload.MustFromAny(map[string]any{"error": reason}))
	if errors.Is(err, store.ErrConflict) {
		return la, ErrTerminal
	}
	return la, err
}

// MarkRunning records that a runner accepted a scheduled execution.
func (s *Service) MarkRunning(ctx context.Context, id string) (*model.LiveAction, error) {
	la, err := s.store.UpdateExecutionStatus(ctx, id, store.StatusUpdate{
		From: []model.ExecutionStatus{model.StatusScheduled},
		To:   model.StatusRunning,
	})
	if err != nil {
		return nil, fmt.Errorf("starting execution %s: %w", id, err)
	}
	return la, nil
}

// Complete records a runner's terminal status and result. When the
// execution was already finished, typically by a cancel, the stored state
// wins and is returned with ErrTerminal.
func (s *Service) Complete(ctx context.Context, id string, status model.ExecutionStatus, result payload.Value) (*model.LiveAction, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("completing execution %s: %s is not a terminal status", id, status)
	}
	la, err := s.finish(ctx, id, []model.ExecutionStatus{model.StatusScheduled, model.StatusRunning}, status, result)
	if errors.Is(err, store.ErrConflict) {
		return la, ErrTerminal
	}
	return la, err
}

// Fail marks an execution failed with cause recorded in result.error.
func (s *Service) Fail(ctx context.Context, id string, cause error) (*model.LiveAction, error) {
	la, err := s.finish(ctx, id, nil, model.StatusFailed, errorResult(cause))
	if errors.Is(err, store.ErrConflict) {
		return la, ErrTerminal
	}
	return la, err
}

// finish applies a terminal transition and, when it took effect, runs the
// post-run hooks. On a conflict the currently stored execution is
// returned with store.ErrConflict.
func (s *Service) finish(ctx context.Context, id string, from []model.ExecutionStatus, to model.ExecutionStatus, result payload.Value) (*model.LiveAction, error) {
	la, err := s.store.UpdateExecutionStatus(ctx, id, store.StatusUpdate{From: from, To: to, Result: result})
	if errors.Is(err, store.ErrConflict) {
		current, gerr := s.store.GetExecution(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("finishing execution %s: %w", id, err)
	}
	logging.WithExecution(s.logger, id).Info("execution finished", "action", la.Action, "status", la.Status)
	s.onTerminal(ctx, la)
	return la, nil
}

// onTerminal runs post-run policies and announces the result. Neither
// can undo the transition, so their errors are only logged.
func (s *Service) onTerminal(ctx context.Context, la *model.LiveAction) {
	logger := logging.WithExecution(s.logger, la.ID)
	if p := s.postRunner(); p != nil {
		if err := p.ApplyPostRun(ctx, la); err != nil {
			logger.Error("applying post-run policies", "error", err)
		}
	}
	if s.notifier == nil {
		return
	}

	params := la.Parameters
	if params.Kind() != payload.KindMapping {
		params = payload.Mapping(nil)
	}
	fields := map[string]payload.Value{
		"execution_id": payload.String(la.ID),
		"action_ref":   payload.String(la.Action),
		"status":       payload.String(string(la.Status)),
		"result":       la.Result,
		"parameters":   params,
	}
	if rule, ok := la.ContextValue("rule.name"); ok {
		fields["rule"] = rule
	}
	if _, err := s.notifier.Dispatch(ctx, trigger.Descriptor{Ref: trigger.TypeActionCompleted},
		payload.Mapping(fields), s.now()); err != nil {
		logger.Error("dispatching action completed trigger", "error", err)
	}
}

func errorResult(err error) payload.Value {
	return payload.MustFromAny(map[string]any{"error": err.Error()})
}
