// internal/model/model.go
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/colebrumley/reactor/internal/payload"
)

// NewID returns a time-ordered unique identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Ref joins a pack and a name into a pack-qualified reference.
func Ref(pack, name string) string {
	if pack == "" {
		return name
	}
	return pack + "." + name
}

// SplitRef splits "pack.name" at the first dot.
func SplitRef(ref string) (pack, name string) {
	if i := strings.Index(ref, "."); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// TriggerType describes a class of event.
type TriggerType struct {
	Ref              string        `json:"ref" yaml:"-"`
	Pack             string        `json:"pack" yaml:"pack"`
	Name             string        `json:"name" yaml:"name"`
	Description      string        `json:"description,omitempty" yaml:"description"`
	PayloadSchema    payload.Value `json:"payload_schema,omitempty" yaml:"payload_schema"`
	ParametersSchema payload.Value `json:"parameters_schema,omitempty" yaml:"parameters_schema"`
}

// Trigger is a parameterized instantiation of a TriggerType. Triggers
// with the same type and parameters share a UID.
type Trigger struct {
	ID         string        `json:"id"`
	Ref        string        `json:"ref"`
	Pack       string        `json:"pack"`
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Parameters payload.Value `json:"parameters,omitempty"`
	UID        string        `json:"uid"`
	CreatedAt  time.Time     `json:"created_at"`
}

type TriggerInstanceStatus string

const (
	TriggerInstanceReceived            TriggerInstanceStatus = "received"
	TriggerInstanceProcessing          TriggerInstanceStatus = "processing"
	TriggerInstanceProcessed           TriggerInstanceStatus = "processed"
	TriggerInstanceProcessedWithErrors TriggerInstanceStatus = "processed_with_errors"
)

// TriggerInstance is one occurrence of a trigger firing. The payload is
// never modified after creation.
type TriggerInstance struct {
	ID         string                `json:"id"`
	Trigger    string                `json:"trigger"`
	Payload    payload.Value         `json:"payload"`
	OccurredAt time.Time             `json:"occurrence_time"`
	Status     TriggerInstanceStatus `json:"status"`
	TraceTag   string                `json:"trace_tag,omitempty"`
}

// Criterion is a single predicate applied to a payload path.
type Criterion struct {
	Type      string        `json:"type" yaml:"type"`
	Pattern   payload.Value `json:"pattern" yaml:"pattern"`
	Condition string        `json:"condition,omitempty" yaml:"condition"`
}

const (
	RuleTypeStandard = "standard"
	RuleTypeBackstop = "backstop"
)

type RuleTrigger struct {
	Type       string        `json:"type" yaml:"type"`
	Ref        string        `json:"ref,omitempty" yaml:"ref"`
	Parameters payload.Value `json:"parameters,omitempty" yaml:"parameters"`
}

type RuleAction struct {
	Ref        string        `json:"ref" yaml:"ref"`
	Parameters payload.Value `json:"parameters,omitempty" yaml:"parameters"`
}

// Rule binds a trigger and criteria to an action.
type Rule struct {
	ID          string               `json:"id" yaml:"-"`
	Ref         string               `json:"ref" yaml:"-"`
	Name        string               `json:"name" yaml:"name"`
	Pack        string               `json:"pack" yaml:"pack"`
	Description string               `json:"description,omitempty" yaml:"description"`
	Enabled     bool                 `json:"enabled" yaml:"enabled"`
	Type        string               `json:"type,omitempty" yaml:"type"`
	Trigger     RuleTrigger          `json:"trigger" yaml:"trigger"`
	Criteria    map[string]Criterion `json:"criteria,omitempty" yaml:"criteria"`
	Action      RuleAction           `json:"action" yaml:"action"`
	Tags        []string             `json:"tags,omitempty" yaml:"tags"`
}

// IsBackstop reports whether the rule only fires when no other rule for
// its trigger matched.
func (r *Rule) IsBackstop() bool {
	return len(r.Criteria) == 0 || r.Type == RuleTypeBackstop
}

type EnforcementStatus string

const (
	EnforcementSucceeded EnforcementStatus = "succeeded"
	EnforcementFailed    EnforcementStatus = "failed"
)

// RuleEnforcement audits one attempt to act on a matched rule.
type RuleEnforcement struct {
	ID                string            `json:"id"`
	RuleRef           string            `json:"rule_ref"`
	RuleID            string            `json:"rule_id"`
	TriggerInstanceID string            `json:"trigger_instance_id"`
	ExecutionID       string            `json:"execution_id,omitempty"`
	Status            EnforcementStatus `json:"status"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	EnforcedAt        time.Time         `json:"enforced_at"`
}

// ParamSpec describes one action parameter.
type ParamSpec struct {
	Type        string        `json:"type,omitempty" yaml:"type"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Default     payload.Value `json:"default,omitempty" yaml:"default"`
	Required    bool          `json:"required,omitempty" yaml:"required"`
	Immutable   bool          `json:"immutable,omitempty" yaml:"immutable"`
}

// Action is an executable definition bound to a runner.
type Action struct {
	ID          string               `json:"id" yaml:"-"`
	Ref         string               `json:"ref" yaml:"-"`
	Pack        string               `json:"pack" yaml:"pack"`
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description"`
	Enabled     bool                 `json:"enabled" yaml:"enabled"`
	RunnerType  string               `json:"runner_type" yaml:"runner_type"`
	Parameters  map[string]ParamSpec `json:"parameters,omitempty" yaml:"parameters"`
}

type ExecutionStatus string

const (
	StatusRequested ExecutionStatus = "requested"
	StatusDelayed   ExecutionStatus = "delayed"
	StatusScheduled ExecutionStatus = "scheduled"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCanceled  ExecutionStatus = "canceled"
	StatusAbandoned ExecutionStatus = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimeout, StatusCanceled, StatusAbandoned:
		return true
	}
	return false
}

// Schedulable reports whether the scheduler may dispatch an execution in
// this status.
func (s ExecutionStatus) Schedulable() bool {
	switch s {
	case StatusRequested, StatusScheduled, StatusDelayed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	return s.Schedulable() || s.Terminal() || s == StatusRunning
}

// TerminalStatuses lists every terminal status.
var TerminalStatuses = []ExecutionStatus{
	StatusSucceeded, StatusFailed, StatusTimeout, StatusCanceled, StatusAbandoned,
}

// LiveAction is a runnable, stateful execution of an action.
type LiveAction struct {
	ID             string          `json:"id"`
	Action         string          `json:"action"`
	RunnerType     string          `json:"runner_type"`
	Parameters     payload.Value   `json:"parameters"`
	Status         ExecutionStatus `json:"status"`
	Context        payload.Value   `json:"context"`
	Result         payload.Value   `json:"result,omitempty"`
	StartTimestamp time.Time       `json:"start_timestamp"`
	EndTimestamp   time.Time       `json:"end_timestamp,omitempty"`
}

// ContextValue resolves a dotted path in the execution context.
func (la *LiveAction) ContextValue(path string) (payload.Value, bool) {
	return payload.Lookup(la.Context, path)
}

// Built-in policy types.
const (
	PolicyConcurrency     = "action.concurrency"
	PolicyConcurrencyAttr = "action.concurrency.attr"
	PolicyRetry           = "action.retry"
)

// Policy attaches a scheduling constraint to an action.
type Policy struct {
	ID          string        `json:"id" yaml:"-"`
	Ref         string        `json:"ref" yaml:"-"`
	Pack        string        `json:"pack" yaml:"pack"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	ResourceRef string        `json:"resource_ref" yaml:"resource_ref"`
	PolicyType  string        `json:"policy_type" yaml:"policy_type"`
	Parameters  payload.Value `json:"parameters,omitempty" yaml:"parameters"`
}

type QueueState string

const (
	QueueReady      QueueState = "ready"
	QueueScheduling QueueState = "scheduling"
	QueueScheduled  QueueState = "scheduled"
	QueueHandled    QueueState = "handled"
)

// QueueItem is a durable scheduling queue entry for one LiveAction.
type QueueItem struct {
	ID                      string     `json:"id"`
	LiveActionID            string     `json:"liveaction_id"`
	State                   QueueState `json:"state"`
	OriginalStartTimestamp  time.Time  `json:"original_start_timestamp"`
	ScheduledStartTimestamp time.Time  `json:"scheduled_start_timestamp"`
	ClaimedBy               string     `json:"claimed_by,omitempty"`
	ClaimedAt               time.Time  `json:"claimed_at,omitempty"`
	Message                 string     `json:"message,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}
