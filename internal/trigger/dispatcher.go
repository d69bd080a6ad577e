// internal/trigger/dispatcher.go
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/store"
)

var (
	// ErrInvalidPayload marks a payload rejected by its trigger type's schema.
	ErrInvalidPayload = errors.New("invalid trigger payload")
	// ErrInvalidParameters marks trigger parameters rejected by their schema.
	ErrInvalidParameters = errors.New("invalid trigger parameters")
	// ErrUnknownType is returned when a trigger type is not registered.
	ErrUnknownType = errors.New("unknown trigger type")
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetTrigger(ctx context.Context, id string) (*model.Trigger, error)
	GetTriggerByRef(ctx context.Context, ref string) (*model.Trigger, error)
	GetTriggerByUID(ctx context.Context, uid string) (*model.Trigger, error)
	GetTriggerType(ctx context.Context, ref string) (*model.TriggerType, error)
	EnsureTrigger(ctx context.Context, t *model.Trigger) (*model.Trigger, error)
	CreateTriggerInstance(ctx context.Context, ti *model.TriggerInstance) error
}

// Publisher delivers stored instances to the rules engine.
type Publisher interface {
	Publish(ctx context.Context, ti *model.TriggerInstance) error
}

// Descriptor identifies a trigger. The first non-empty of ID, UID and Ref
// wins; otherwise Type and Parameters are hashed into a UID.
type Descriptor struct {
	ID         string
	UID        string
	Ref        string
	Type       string
	Parameters payload.Value
	// TraceTag is copied to the created instance. A fresh tag is
	// generated when empty.
	TraceTag string
}

func (d Descriptor) String() string {
	switch {
	case d.ID != "":
		return "id=" + d.ID
	case d.UID != "":
		return "uid=" + d.UID
	case d.Ref != "":
		return d.Ref
	}
	return "type=" + d.Type
}

// Options configures a Dispatcher.
type Options struct {
	// ValidatePayload rejects payloads that fail their type's schema.
	ValidatePayload bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// Dispatcher resolves triggers, stores their instances and hands them to
// the bus.
type Dispatcher struct {
	store     Store
	publisher Publisher
	validate  bool
	logger    *slog.Logger
	now       func() time.Time

	schemas sync.Map // trigger type ref -> *gojsonschema.Schema
}

// NewDispatcher creates a dispatcher. publisher may be nil when instances
// are only stored.
func NewDispatcher(st Store, publisher Publisher, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		validate:  opts.ValidatePayload,
		logger:    opts.Logger.With("component", "trigger_dispatcher"),
		now:       opts.Now,
	}
}

// Resolve finds the trigger a descriptor names. It returns nil and no
// error when nothing matches.
func (d *Dispatcher) Resolve(ctx context.Context, desc Descriptor) (*model.Trigger, error) {
	var (
		t   *model.Trigger
		err error
	)
	switch {
	case desc.ID != "":
		t, err = d.store.GetTrigger(ctx, desc.ID)
	case desc.UID != "":
		t, err = d.store.GetTriggerByUID(ctx, desc.UID)
	case desc.Ref != "":
		t, err = d.store.GetTriggerByRef(ctx, desc.Ref)
		if errors.Is(err, store.ErrNotFound) {
			// A bare type ref names the shared parameterless trigger.
			return d.sharedTrigger(ctx, desc.Ref)
		}
	case desc.Type != "":
		var uid string
		if uid, err = UID(desc.Type, desc.Parameters); err != nil {
			return nil, err
		}
		t, err = d.store.GetTriggerByUID(ctx, uid)
	default:
		return nil, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving trigger %s: %w", desc, err)
	}
	return t, nil
}

func (d *Dispatcher) sharedTrigger(ctx context.Context, typeRef string) (*model.Trigger, error) {
	tt, err := d.store.GetTriggerType(ctx, typeRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving trigger type %s: %w", typeRef, err)
	}
	return d.ensure(ctx, tt, payload.Null())
}

// CreateTriggerInstance stores one occurrence of the described trigger.
// An unresolvable trigger is logged and yields a nil instance with no
// error.
func (d *Dispatcher) CreateTriggerInstance(ctx context.Context, desc Descriptor, p payload.Value, occurredAt time.Time) (*model.TriggerInstance, error) {
	t, err := d.Resolve(ctx, desc)
	if err != nil {
		return nil, err
	}
	if t == nil {
		d.logger.Warn("dropping trigger instance for unknown trigger", "trigger", desc.String())
		return nil, nil
	}

	if p.IsNull() {
		p = payload.Mapping(nil)
	}
	if d.validate {
		if err := d.ValidatePayload(ctx, t.Type, p); err != nil {
			return nil, err
		}
	}

	if occurredAt.IsZero() {
		occurredAt = d.now()
	}
	trace := desc.TraceTag
	if trace == "" {
		trace = model.NewID()
	}
	ti := &model.TriggerInstance{
		Trigger:    t.Ref,
		Payload:    p,
		OccurredAt: occurredAt.UTC(),
		Status:     model.TriggerInstanceReceived,
		TraceTag:   trace,
	}
	if err := d.store.CreateTriggerInstance(ctx, ti); err != nil {
		return nil, err
	}
	d.logger.Debug("trigger instance created", "trigger", t.Ref, "trigger_instance", ti.ID)
	return ti, nil
}

// Dispatch stores an instance and publishes it. A nil instance with no
// error means the trigger did not resolve.
func (d *Dispatcher) Dispatch(ctx context.Context, desc Descriptor, p payload.Value, occurredAt time.Time) (*model.TriggerInstance, error) {
	ti, err := d.CreateTriggerInstance(ctx, desc, p, occurredAt)
	if err != nil || ti == nil {
		return ti, err
	}
	if d.publisher == nil {
		return ti, nil
	}
	if err := d.publisher.Publish(ctx, ti); err != nil {
		return ti, fmt.Errorf("publishing trigger instance %s: %w", ti.ID, err)
	}
	return ti, nil
}

// ValidatePayload checks p against the payload schema of a trigger type.
// Types without a schema accept anything.
func (d *Dispatcher) ValidatePayload(ctx context.Context, typeRef string, p payload.Value) error {
	tt, err := d.store.GetTriggerType(ctx, typeRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	schema, err := d.compiled("payload:"+typeRef, tt.PayloadSchema)
	if err != nil || schema == nil {
		return err
	}
	return check(schema, p, ErrInvalidPayload)
}

// ValidateParameters checks trigger parameters against the parameters
// schema of their type.
func (d *Dispatcher) ValidateParameters(ctx context.Context, typeRef string, params payload.Value) error {
	tt, err := d.store.GetTriggerType(ctx, typeRef)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownType, typeRef)
	}
	if err != nil {
		return err
	}
	return d.validateParameters(tt, params)
}

func (d *Dispatcher) validateParameters(tt *model.TriggerType, params payload.Value) error {
	schema, err := d.compiled("params:"+tt.Ref, tt.ParametersSchema)
	if err != nil || schema == nil {
		return err
	}
	if params.IsNull() {
		params = payload.Mapping(nil)
	}
	return check(schema, params, ErrInvalidParameters)
}

func (d *Dispatcher) compiled(key string, def payload.Value) (*gojsonschema.Schema, error) {
	if def.IsNull() {
		return nil, nil
	}
	if s, ok := d.schemas.Load(key); ok {
		return s.(*gojsonschema.Schema), nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.ToAny()))
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", key, err)
	}
	d.schemas.Store(key, schema)
	return schema, nil
}

func check(schema *gojsonschema.Schema, v payload.Value, sentinel error) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(v.ToAny()))
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.Field()+": "+desc.Description())
	}
	return fmt.Errorf("%w: %s", sentinel, strings.Join(msgs, "; "))
}

// EnsureForRule returns the trigger a rule binds to, creating it when the
// rule names a type and parameters no stored trigger has yet. The rule's
// trigger ref is updated to the stored trigger's.
func (d *Dispatcher) EnsureForRule(ctx context.Context, r *model.Rule) (*model.Trigger, error) {
	if r.Trigger.Type == "" {
		if r.Trigger.Ref == "" {
			return nil, fmt.Errorf("rule %s: trigger has neither type nor ref", r.Ref)
		}
		t, err := d.Resolve(ctx, Descriptor{Ref: r.Trigger.Ref})
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("rule %s: trigger %s not found", r.Ref, r.Trigger.Ref)
		}
		r.Trigger.Type = t.Type
		return t, nil
	}

	tt, err := d.store.GetTriggerType(ctx, r.Trigger.Type)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("rule %s: %w: %s", r.Ref, ErrUnknownType, r.Trigger.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := d.validateParameters(tt, r.Trigger.Parameters); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Ref, err)
	}

	t, err := d.ensure(ctx, tt, r.Trigger.Parameters)
	if err != nil {
		return nil, err
	}
	r.Trigger.Ref = t.Ref
	return t, nil
}

// ensure stores the trigger for a type and parameters. Parameterless
// triggers are shared and take the type's ref.
func (d *Dispatcher) ensure(ctx context.Context, tt *model.TriggerType, params payload.Value) (*model.Trigger, error) {
	uid, err := UID(tt.Ref, params)
	if err != nil {
		return nil, err
	}
	t := &model.Trigger{
		Pack:       tt.Pack,
		Name:       tt.Name,
		Type:       tt.Ref,
		Parameters: params,
		UID:        uid,
	}
	if params.Len() > 0 {
		t.Name = tt.Name + "_" + uid[:12]
	}
	t.Ref = model.Ref(t.Pack, t.Name)
	return d.store.EnsureTrigger(ctx, t)
}
