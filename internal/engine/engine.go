// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/colebrumley/reactor/internal/bus"
	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/matcher"
	"github.com/colebrumley/reactor/internal/metrics"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/store"
)

// DefaultPoolSize bounds concurrently handled trigger instances.
const DefaultPoolSize = 8

// ErrAlreadyClaimed is returned for an instance another handler took.
var ErrAlreadyClaimed = errors.New("trigger instance already claimed")

// Store is the persistence the engine needs.
type Store interface {
	GetTriggerByRef(ctx context.Context, ref string) (*model.Trigger, error)
	ListRules(ctx context.Context, f store.RuleFilter) ([]*model.Rule, error)
	ClaimTriggerInstance(ctx context.Context, id string) (bool, error)
	SetTriggerInstanceStatus(ctx context.Context, id string, status model.TriggerInstanceStatus) error
}

// Enforcer acts on one matched rule.
type Enforcer interface {
	Enforce(ctx context.Context, rule *model.Rule, ti *model.TriggerInstance) (*model.RuleEnforcement, error)
}

type Options struct {
	PoolSize int
	// Retry bounds retries of transient storage errors.
	Retry    queue.RetryConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Engine matches trigger instances against rules and enforces the
// matches.
type Engine struct {
	store    Store
	enforcer Enforcer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	poolSize int
	retry    queue.RetryConfig
}

func New(st Store, enforcer Enforcer, opts Options) *Engine {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = queue.DefaultRetry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    st,
		enforcer: enforcer,
		logger:   logging.WithComponent(opts.Logger, "engine"),
		metrics:  opts.Metrics,
		poolSize: opts.PoolSize,
		retry:    opts.Retry,
	}
}

// Outcome summarizes the handling of one trigger instance.
type Outcome struct {
	Matched      []*model.Rule
	Enforcements []*model.RuleEnforcement
	Status       model.TriggerInstanceStatus
}

// HandleTriggerInstance enforces every rule matching ti. A failure while
// enforcing one rule does not stop the others; it only marks the instance
// processed_with_errors. Matching no rule is not an error. Each instance
// is handled at most once; a redelivered instance returns
// ErrAlreadyClaimed.
func (e *Engine) HandleTriggerInstance(ctx context.Context, ti *model.TriggerInstance) (*Outcome, error) {
	logger := logging.WithTriggerInstance(e.logger, ti.ID)

	claimed, err := queue.RetryValue(ctx, e.retry, func() (bool, error) {
		return e.store.ClaimTriggerInstance(ctx, ti.ID)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyClaimed
	}
	ti.Status = model.TriggerInstanceProcessing

	trigger, rules, err := e.load(ctx, ti)
	if err != nil {
		return nil, e.unclaim(ctx, ti, err)
	}
	if trigger == nil {
		logger.Warn("trigger not found, matching on instance ref", "trigger", ti.Trigger)
	}

	res := matcher.Match(ti, trigger, rules)
	out := &Outcome{Matched: res.Matched, Status: model.TriggerInstanceProcessed}
	for _, f := range res.Failures {
		logger.Warn("criteria evaluation failed", "rule", f.Rule.Ref, "criterion", f.Criterion, "error", f.Err)
	}

	if len(res.Matched) == 0 {
		logger.Debug("no rules matched", "trigger", ti.Trigger, "candidates", len(rules))
	}
	for _, r := range res.Matched {
		enf, err := e.enforce(ctx, r, ti)
		if enf != nil {
			out.Enforcements = append(out.Enforcements, enf)
			e.metrics.Enforcement(string(enf.Status))
		}
		if err != nil || enf == nil || enf.Status == model.EnforcementFailed {
			out.Status = model.TriggerInstanceProcessedWithErrors
		}
		if err != nil {
			logger.Error("enforcing rule", "rule", r.Ref, "error", err)
		}
	}

	if err := e.setStatus(ctx, ti, out.Status); err != nil {
		return out, err
	}
	e.metrics.TriggerInstanceHandled(string(out.Status))
	logger.Info("trigger instance processed",
		"trigger", ti.Trigger, "matched", len(res.Matched), "backstop", res.Backstop, "status", out.Status)
	return out, nil
}

// enforce isolates a panicking enforcement from the remaining rules.
func (e *Engine) enforce(ctx context.Context, r *model.Rule, ti *model.TriggerInstance) (enf *model.RuleEnforcement, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic enforcing rule %s: %v\n%s", r.Ref, p, debug.Stack())
		}
	}()
	return e.enforcer.Enforce(ctx, r, ti)
}

// load reads the trigger and the enabled rules for ti. A missing trigger
// is not an error.
func (e *Engine) load(ctx context.Context, ti *model.TriggerInstance) (*model.Trigger, []*model.Rule, error) {
	trigger, err := queue.RetryValue(ctx, e.retry, func() (*model.Trigger, error) {
		return e.store.GetTriggerByRef(ctx, ti.Trigger)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("loading trigger %s: %w", ti.Trigger, err)
	}
	rules, err := queue.RetryValue(ctx, e.retry, func() ([]*model.Rule, error) {
		return e.store.ListRules(ctx, store.RuleFilter{TriggerRef: ti.Trigger, EnabledOnly: true})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading rules for %s: %w", ti.Trigger, err)
	}
	return trigger, rules, nil
}

// unclaim settles a claimed instance that could not be matched. Storage
// that stayed unavailable hands it back to received for redelivery;
// anything else ends it processed_with_errors.
func (e *Engine) unclaim(ctx context.Context, ti *model.TriggerInstance, cause error) error {
	logger := logging.WithTriggerInstance(e.logger, ti.ID)
	status := model.TriggerInstanceProcessedWithErrors
	if queue.IsTransient(cause) || errors.Is(cause, queue.ErrRetriesExhausted) || ctx.Err() != nil {
		status = model.TriggerInstanceReceived
	}
	if err := e.setStatus(context.WithoutCancel(ctx), ti, status); err != nil {
		logger.Error("releasing trigger instance", "status", status, "error", err)
		return errors.Join(cause, err)
	}
	if status == model.TriggerInstanceProcessedWithErrors {
		e.metrics.TriggerInstanceHandled(string(status))
	}
	logger.Error("trigger instance not matched", "status", status, "error", cause)
	return cause
}

func (e *Engine) setStatus(ctx context.Context, ti *model.TriggerInstance, status model.TriggerInstanceStatus) error {
	err := queue.Retry(ctx, e.retry, func() error {
		return e.store.SetTriggerInstanceStatus(ctx, ti.ID, status)
	})
	if err != nil {
		return fmt.Errorf("marking trigger instance %s %s: %w", ti.ID, status, err)
	}
	ti.Status = status
	return nil
}

// Run consumes trigger instances from b until ctx is done, handling up to
// PoolSize at once. It waits for in-flight instances before returning.
func (e *Engine) Run(ctx context.Context, b bus.Bus) error {
	sem := make(chan struct{}, e.poolSize)
	var wg sync.WaitGroup

	err := b.Subscribe(ctx, func(ctx context.Context, ti *model.TriggerInstance) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			_, err := e.HandleTriggerInstance(ctx, ti)
			switch {
			case errors.Is(err, ErrAlreadyClaimed):
				e.logger.Debug("skipping claimed trigger instance", "trigger_instance", ti.ID)
			case err != nil:
				e.logger.Error("handling trigger instance", "trigger_instance", ti.ID, "error", err)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing to trigger instances: %w", err)
	}

	e.logger.Info("rules engine started", "pool_size", e.poolSize)
	<-ctx.Done()
	wg.Wait()
	e.logger.Info("rules engine stopped")
	return nil
}

// PendingLister finds stored instances that were never claimed.
type PendingLister interface {
	PendingTriggerInstances(ctx context.Context, before time.Time, limit int) ([]*model.TriggerInstance, error)
}

// Redeliver publishes instances that have waited in received for longer
// than grace. It picks up instances stored by processes without a
// subscriber and instances lost in a crash between storing and
// publishing.
func Redeliver(ctx context.Context, st PendingLister, pub bus.Bus, grace time.Duration, limit int) (int, error) {
	pending, err := st.PendingTriggerInstances(ctx, time.Now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	for i, ti := range pending {
		if err := pub.Publish(ctx, ti); err != nil {
			return i, fmt.Errorf("redelivering %s: %w", ti.ID, err)
		}
	}
	return len(pending), nil
}
