// internal/policy/policy.go
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/store"
)

// ErrUnknownType is returned for a policy type with no registered driver.
var ErrUnknownType = errors.New("unknown policy type")

// Driver applies one policy to a liveaction before scheduling or after it
// reaches a terminal status.
type Driver interface {
	// ApplyPreRun may move the liveaction to scheduled, delayed or
	// canceled and returns its new state.
	ApplyPreRun(ctx context.Context, la *model.LiveAction) (*model.LiveAction, error)
	ApplyPostRun(ctx context.Context, la *model.LiveAction) error
}

// Store is the persistence a driver needs.
type Store interface {
	ListPolicies(ctx context.Context, resourceRef string) ([]*model.Policy, error)
	GetExecution(ctx context.Context, id string) (*model.LiveAction, error)
	ScheduleWithinLimit(ctx context.Context, la *model.LiveAction, limit store.Limit) (bool, error)
	UpdateExecutionStatus(ctx context.Context, id string, u store.StatusUpdate) (*model.LiveAction, error)
}

// Requester creates a liveaction and enqueues it to start at the given
// time.
type Requester interface {
	Request(ctx context.Context, la *model.LiveAction, at time.Time) (*model.LiveAction, error)
}

// Deps are handed to every driver factory.
type Deps struct {
	Store     Store
	Requester Requester
	Logger    *slog.Logger
	Now       func() time.Time
}

// Factory builds a driver for one policy definition.
type Factory func(p *model.Policy, deps Deps) (Driver, error)

// Provider resolves the driver for a policy.
type Provider interface {
	GetDriver(p *model.Policy) (Driver, error)
}

// Registry maps policy types to driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Deps
}

// NewRegistry returns a registry with the built-in policy types.
func NewRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{factories: map[string]Factory{}, deps: deps}
	r.Register(model.PolicyConcurrency, newConcurrency)
	r.Register(model.PolicyConcurrencyAttr, newConcurrencyAttr)
	r.Register(model.PolicyRetry, newRetry)
	return r
}

// Register adds or replaces the factory for a policy type.
func (r *Registry) Register(policyType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[policyType] = f
}

// Types lists the registered policy types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

func (r *Registry) GetDriver(p *model.Policy) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[p.PolicyType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.PolicyType)
	}
	return f(p, r.deps)
}

// Service applies every enabled policy attached to a liveaction's action.
type Service struct {
	store    Store
	provider Provider
	logger   *slog.Logger
}

func NewService(st Store, provider Provider, logger *slog.Logger) *Service {
	return &Service{store: st, provider: provider, logger: logger}
}

// ApplyPreRun runs pre-run drivers in policy ref order. It stops as soon
// as a driver leaves the liveaction delayed or finished. Disabled
// policies are skipped without resolving their driver.
func (s *Service) ApplyPreRun(ctx context.Context, la *model.LiveAction) (*model.LiveAction, error) {
	policies, err := s.store.ListPolicies(ctx, la.Action)
	if err != nil {
		return la, fmt.Errorf("loading policies for %s: %w", la.Action, err)
	}
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		drv, err := s.provider.GetDriver(p)
		if err != nil {
			s.logger.Warn("skipping policy", "policy", p.Ref, "error", err)
			continue
		}
		next, err := drv.ApplyPreRun(ctx, la)
		if err != nil {
			return la, fmt.Errorf("applying policy %s: %w", p.Ref, err)
		}
		la = next
		if la.Status == model.StatusDelayed || la.Status.Terminal() {
			s.logger.Info("policy gated execution",
				"policy", p.Ref, "execution", la.ID, "status", la.Status)
			break
		}
	}
	return la, nil
}

// ApplyPostRun runs post-run drivers for a terminal liveaction. Driver
// errors are logged and do not stop the remaining policies.
func (s *Service) ApplyPostRun(ctx context.Context, la *model.LiveAction) error {
	policies, err := s.store.ListPolicies(ctx, la.Action)
	if err != nil {
		return fmt.Errorf("loading policies for %s: %w", la.Action, err)
	}
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		drv, err := s.provider.GetDriver(p)
		if err != nil {
			s.logger.Warn("skipping policy", "policy", p.Ref, "error", err)
			continue
		}
		if err := drv.ApplyPostRun(ctx, la); err != nil {
			s.logger.Error("post-run policy failed", "policy", p.Ref, "execution", la.ID, "error", err)
		}
	}
	return nil
}

// Validate checks that a policy has a known type and usable parameters.
func (r *Registry) Validate(p *model.Policy) error {
	_, err := r.GetDriver(p)
	return err
}

func intParam(p *model.Policy, key string, def int) (int, error) {
	v, ok := payload.Lookup(p.Parameters, key)
	if !ok || v.IsNull() {
		return def, nil
	}
	if v.Kind() != payload.KindNumber {
		return 0, fmt.Errorf("policy %s: parameter %q must be a number", p.Ref, key)
	}
	return int(v.AsNumber()), nil
}

func floatParam(p *model.Policy, key string, def float64) (float64, error) {
	v, ok := payload.Lookup(p.Parameters, key)
	if !ok || v.IsNull() {
		return def, nil
	}
	if v.Kind() != payload.KindNumber {
		return 0, fmt.Errorf("policy %s: parameter %q must be a number", p.Ref, key)
	}
	return v.AsNumber(), nil
}

func stringParam(p *model.Policy, key, def string) (string, error) {
	v, ok := payload.Lookup(p.Parameters, key)
	if !ok || v.IsNull() {
		return def, nil
	}
	if v.Kind() != payload.KindString {
		return "", fmt.Errorf("policy %s: parameter %q must be a string", p.Ref, key)
	}
	return v.AsString(), nil
}

func stringsParam(p *model.Policy, key string) ([]string, error) {
	v, ok := payload.Lookup(p.Parameters, key)
	if !ok || v.IsNull() {
		return nil, nil
	}
	if v.Kind() != payload.KindSequence {
		return nil, fmt.Errorf("policy %s: parameter %q must be a list of strings", p.Ref, key)
	}
	out := make([]string, 0, v.Len())
	for _, item := range v.Items() {
		if item.Kind() != payload.KindString {
			return nil, fmt.Errorf("policy %s: parameter %q must be a list of strings", p.Ref, key)
		}
		out = append(out, item.AsString())
	}
	return out, nil
}
