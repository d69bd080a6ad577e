// internal/enforcer/enforcer.go
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/store"
	"github.com/colebrumley/reactor/internal/template"
)

// SystemUser owns executions started by rules.
const SystemUser = "system"

// Store is the persistence the enforcer needs.
type Store interface {
	GetAction(ctx context.Context, ref string) (*model.Action, error)
	Values(ctx context.Context, prefix string) (payload.Value, error)
	CreateEnforcement(ctx context.Context, e *model.RuleEnforcement) error
}

// Requester creates a liveaction and enqueues it.
type Requester interface {
	Request(ctx context.Context, la *model.LiveAction, at time.Time) (*model.LiveAction, error)
}

// Enforcer turns a matched rule into a requested execution.
type Enforcer struct {
	store     Store
	requester Requester
	logger    *slog.Logger
	now       func() time.Time
}

func New(st Store, requester Requester, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		store:     st,
		requester: requester,
		logger:    logger.With("component", "enforcer"),
		now:       time.Now,
	}
}

// failure is a business-level enforcement failure: it is recorded and
// never returned as an error.
type failure struct{ reason string }

func (f *failure) Error() string { return f.reason }

func failf(format string, args ...any) error {
	return &failure{reason: fmt.Sprintf(format, args...)}
}

// Enforce requests the rule's action for one trigger instance and writes
// one audit record describing the attempt. Failures such as a missing
// action or a template error are recorded on the enforcement with a nil
// error; the error is reserved for failed storage calls.
func (e *Enforcer) Enforce(ctx context.Context, rule *model.Rule, ti *model.TriggerInstance) (*model.RuleEnforcement, error) {
	logger := logging.WithTriggerInstance(logging.WithRule(e.logger, rule.Ref), ti.ID)

	enf := &model.RuleEnforcement{
		RuleRef:           rule.Ref,
		RuleID:            rule.ID,
		TriggerInstanceID: ti.ID,
		EnforcedAt:        e.now().UTC(),
	}

	la, reqErr := e.request(ctx, rule, ti)
	var fail *failure
	switch {
	case reqErr == nil:
		enf.Status = model.EnforcementSucceeded
		enf.ExecutionID = la.ID
		logger.Info("rule enforced", "action", rule.Action.Ref, "execution", la.ID)
	case errors.As(reqErr, &fail):
		enf.Status = model.EnforcementFailed
		enf.FailureReason = fail.reason
		logger.Warn("rule enforcement failed", "action", rule.Action.Ref, "reason", fail.reason)
		reqErr = nil
	default:
		enf.Status = model.EnforcementFailed
		enf.FailureReason = reqErr.Error()
		logger.Error("rule enforcement error", "action", rule.Action.Ref, "error", reqErr)
	}

	if err := e.store.CreateEnforcement(ctx, enf); err != nil {
		return enf, errors.Join(reqErr, fmt.Errorf("recording enforcement: %w", err))
	}
	return enf, reqErr
}

func (e *Enforcer) request(ctx context.Context, rule *model.Rule, ti *model.TriggerInstance) (*model.LiveAction, error) {
	action, err := e.store.GetAction(ctx, rule.Action.Ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failf("action %s not found", rule.Action.Ref)
	}
	if err != nil {
		return nil, err
	}
	if !action.Enabled {
		return nil, failf("action %s is disabled", action.Ref)
	}

	renderCtx, err := e.renderContext(ctx, rule, ti)
	if err != nil {
		return nil, err
	}
	params, err := template.RenderValue(rule.Action.Parameters, renderCtx)
	if err != nil {
		return nil, failf("rendering parameters: %v", err)
	}
	params, err = resolveParams(action, params)
	if err != nil {
		return nil, err
	}

	la := &model.LiveAction{
		Action:     action.Ref,
		RunnerType: action.RunnerType,
		Parameters: params,
		Status:     model.StatusRequested,
		Context:    executionContext(rule, ti),
	}
	return e.requester.Request(ctx, la, e.now())
}

// renderContext exposes the payload under "trigger", rule metadata under
// "rule" and, when a template asks for it, the datastore under
// "datastore".
func (e *Enforcer) renderContext(ctx context.Context, rule *model.Rule, ti *model.TriggerInstance) (payload.Value, error) {
	tags := make([]payload.Value, 0, len(rule.Tags))
	for _, t := range rule.Tags {
		tags = append(tags, payload.String(t))
	}
	fields := map[string]payload.Value{
		"trigger": ti.Payload,
		"rule": payload.Mapping(map[string]payload.Value{
			"id":      payload.String(rule.ID),
			"ref":     payload.String(rule.Ref),
			"name":    payload.String(rule.Name),
			"pack":    payload.String(rule.Pack),
			"trigger": payload.String(rule.Trigger.Ref),
			"tags":    payload.Sequence(tags...),
		}),
		"trigger_instance": payload.Mapping(map[string]payload.Value{
			"id":              payload.String(ti.ID),
			"trigger":         payload.String(ti.Trigger),
			"occurrence_time": payload.String(ti.OccurredAt.UTC().Format(time.RFC3339Nano)),
			"trace_tag":       payload.String(ti.TraceTag),
		}),
	}
	if mentions(rule.Action.Parameters, "datastore") {
		values, err := e.store.Values(ctx, "")
		if err != nil {
			return payload.Value{}, fmt.Errorf("loading datastore: %w", err)
		}
		fields["datastore"] = values
	}
	return payload.Mapping(fields), nil
}

// resolveParams merges rendered rule parameters with the action's
// parameter specs.
func resolveParams(action *model.Action, rendered payload.Value) (payload.Value, error) {
	params := map[string]payload.Value{}
	for k, v := range rendered.Fields() {
		params[k] = v
	}

	names := make([]string, 0, len(action.Parameters))
	for name := range action.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := action.Parameters[name]
		_, supplied := params[name]
		if spec.Immutable && supplied {
			return payload.Value{}, failf("parameter %q of action %s is immutable", name, action.Ref)
		}
		if !supplied && !spec.Default.IsNull() {
			params[name] = spec.Default
			supplied = true
		}
		if spec.Required && !supplied {
			return payload.Value{}, failf("required parameter %q of action %s is missing", name, action.Ref)
		}
	}
	return payload.Mapping(params), nil
}

func executionContext(rule *model.Rule, ti *model.TriggerInstance) payload.Value {
	return payload.Mapping(map[string]payload.Value{
		"user":      payload.String(SystemUser),
		"trace_tag": payload.String(ti.TraceTag),
		"trigger_instance": payload.Mapping(map[string]payload.Value{
			"id":   payload.String(ti.ID),
			"name": payload.String(ti.Trigger),
		}),
		"rule": payload.Mapping(map[string]payload.Value{
			"id":   payload.String(rule.ID),
			"name": payload.String(rule.Ref),
		}),
	})
}

// mentions reports whether any string inside v contains an expression
// naming root.
func mentions(v payload.Value, root string) bool {
	switch v.Kind() {
	case payload.KindString:
		s := v.AsString()
		return template.HasExpressions(s) && strings.Contains(s, root)
	case payload.KindSequence:
		for _, item := range v.Items() {
			if mentions(item, root) {
				return true
			}
		}
	case payload.KindMapping:
		for _, item := range v.Fields() {
			if mentions(item, root) {
				return true
			}
		}
	}
	return false
}
