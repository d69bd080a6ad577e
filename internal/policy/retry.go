// internal/policy/retry.go
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// Context paths written on every retried liveaction.
const (
	RetryCountPath    = "policies.retry.retry_count"
	RetryPolicyPath   = "policies.retry.applied_policy"
	RetriedFromPath   = "policies.retry.retried_liveaction_id"
	retryOnTimeout    = "timeout"
	retryOnFailure    = "failure"
	defaultRetryOn    = retryOnTimeout
	defaultMaxRetries = 2
)

// retry re-runs an execution that ended in the configured status, up to
// max_retry_count times, each time as a new liveaction.
type retry struct {
	ref        string
	on         model.ExecutionStatus
	maxRetries int
	delay      time.Duration
	requester  Requester
	logger     *slog.Logger
	now        func() time.Time
}

func newRetry(p *model.Policy, deps Deps) (Driver, error) {
	on, err := stringParam(p, "retry_on", defaultRetryOn)
	if err != nil {
		return nil, err
	}
	var status model.ExecutionStatus
	switch on {
	case retryOnTimeout:
		status = model.StatusTimeout
	case retryOnFailure:
		status = model.StatusFailed
	default:
		return nil, fmt.Errorf("policy %s: retry_on must be %q or %q", p.Ref, retryOnTimeout, retryOnFailure)
	}
	maxRetries, err := intParam(p, "max_retry_count", defaultMaxRetries)
	if err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("policy %s: max_retry_count must not be negative", p.Ref)
	}
	delay, err := floatParam(p, "delay", 0)
	if err != nil {
		return nil, err
	}
	return &retry{
		ref:        p.Ref,
		on:         status,
		maxRetries: maxRetries,
		delay:      time.Duration(delay * float64(time.Second)),
		requester:  deps.Requester,
		logger:     deps.Logger,
		now:        deps.Now,
	}, nil
}

func (r *retry) ApplyPreRun(_ context.Context, la *model.LiveAction) (*model.LiveAction, error) {
	return la, nil
}

// RetryCount returns how many times la's original execution has already
// been retried.
func RetryCount(la *model.LiveAction) int {
	v, ok := la.ContextValue(RetryCountPath)
	if !ok || v.Kind() != payload.KindNumber {
		return 0
	}
	return int(v.AsNumber())
}

func (r *retry) ApplyPostRun(ctx context.Context, la *model.LiveAction) error {
	if la.Status != r.on {
		return nil
	}
	count := RetryCount(la)
	if count >= r.maxRetries {
		r.logger.Info("retries exhausted", "policy", r.ref, "execution", la.ID, "retry_count", count)
		return nil
	}
	if r.requester == nil {
		return fmt.Errorf("policy %s: no requester configured", r.ref)
	}

	policies, _ := la.Context.Field("policies")
	policies = policies.With("retry", payload.Mapping(map[string]payload.Value{
		"retry_count":           payload.Number(float64(count + 1)),
		"applied_policy":        payload.String(r.ref),
		"retried_liveaction_id": payload.String(la.ID),
	}))

	next := &model.LiveAction{
		Action:     la.Action,
		RunnerType: la.RunnerType,
		Parameters: la.Parameters,
		Context:    la.Context.With("policies", policies),
	}
	created, err := r.requester.Request(ctx, next, r.now().Add(r.delay))
	if err != nil {
		return fmt.Errorf("requesting retry of %s: %w", la.ID, err)
	}
	r.logger.Info("retrying execution",
		"policy", r.ref, "execution", la.ID, "retry", created.ID, "retry_count", count+1)
	return nil
}
