// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/colebrumley/reactor/internal/action"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/store"
	"github.com/colebrumley/reactor/internal/trigger"
)

// Dispatcher creates trigger instances.
type Dispatcher interface {
	Dispatch(ctx context.Context, desc trigger.Descriptor, p payload.Value, occurredAt time.Time) (*model.TriggerInstance, error)
}

// Store is the read side the tools need.
type Store interface {
	ListRules(ctx context.Context, f store.RuleFilter) ([]*model.Rule, error)
	GetExecution(ctx context.Context, id string) (*model.LiveAction, error)
}

// Canceler cancels executions.
type Canceler interface {
	Cancel(ctx context.Context, id, reason string) (*model.LiveAction, error)
}

// QueueStats reports scheduling queue depth.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Deps are the services behind the tools.
type Deps struct {
	Dispatcher Dispatcher
	Store      Store
	Actions    Canceler
	Queue      QueueStats
	Logger     *slog.Logger
}

// Server exposes reactor operations as MCP tools.
type Server struct {
	deps   Deps
	server *mcp.Server
}

// DispatchTriggerInput is the input schema for the dispatch_trigger tool
type DispatchTriggerInput struct {
	Trigger    string         `json:"trigger,omitempty" jsonschema:"Trigger ref, e.g. core.deployed"`
	Type       string         `json:"type,omitempty" jsonschema:"Trigger type ref, used with parameters when no trigger ref is given"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"Trigger parameters, used with type"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"Event payload matched by rule criteria as trigger.<key>"`
}

// DispatchTriggerOutput is the output schema for the dispatch_trigger tool
type DispatchTriggerOutput struct {
	TriggerInstanceID string `json:"trigger_instance_id"`
	Trigger           string `json:"trigger"`
	TraceTag          string `json:"trace_tag"`
}

// ListRulesInput is the input schema for the list_rules tool
type ListRulesInput struct {
	Trigger     string `json:"trigger,omitempty" jsonschema:"Only rules bound to this trigger ref"`
	Pack        string `json:"pack,omitempty" jsonschema:"Only rules in this pack"`
	EnabledOnly bool   `json:"enabled_only,omitempty" jsonschema:"Skip disabled rules"`
}

// ListRulesOutput is the output schema for the list_rules tool
type ListRulesOutput struct {
	Rules []RuleSummary `json:"rules"`
	Count int           `json:"count"`
}

// RuleSummary is a single rule in list_rules results
type RuleSummary struct {
	Ref      string `json:"ref"`
	Trigger  string `json:"trigger"`
	Action   string `json:"action"`
	Enabled  bool   `json:"enabled"`
	Backstop bool   `json:"backstop"`
}

// ExecutionInput identifies one execution.
type ExecutionInput struct {
	ID string `json:"id" jsonschema:"Execution id"`
}

// ExecutionOutput is the output schema for the get_execution tool
type ExecutionOutput struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	RunnerType string `json:"runner_type"`
	Status     string `json:"status"`
	Parameters any    `json:"parameters,omitempty"`
	Result     any    `json:"result,omitempty"`
	Started    string `json:"started,omitempty"`
	Ended      string `json:"ended,omitempty"`
}

// CancelExecutionInput is the input schema for the cancel_execution tool
type CancelExecutionInput struct {
	ID     string `json:"id" jsonschema:"Execution id"`
	Reason string `json:"reason,omitempty" jsonschema:"Recorded in the execution result"`
}

// CancelExecutionOutput is the output schema for the cancel_execution tool
type CancelExecutionOutput struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// QueueStatsInput takes no arguments.
type QueueStatsInput struct{}

// NewServer creates an MCP server with the reactor tools
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "reactor",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dispatch_trigger",
		Description: "Fire a trigger with a payload. Rules bound to the trigger are evaluated and matching actions are scheduled. Identify the trigger by ref, or by type and parameters.",
	}, s.handleDispatchTrigger)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_rules",
		Description: "List rules with the trigger and action they bind. Use to find out what a trigger will cause before firing it.",
	}, s.handleListRules)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_execution",
		Description: "Show an action execution: status, parameters and result.",
	}, s.handleGetExecution)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_execution",
		Description: "Cancel an execution that has not finished. Running executions are stopped.",
	}, s.handleCancelExecution)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_stats",
		Description: "Count scheduling queue items in each state.",
	}, s.handleQueueStats)

	s.server = server
	return s
}

func (s *Server) handleDispatchTrigger(ctx context.Context, req *mcp.CallToolRequest, input DispatchTriggerInput) (*mcp.CallToolResult, DispatchTriggerOutput, error) {
	if input.Trigger == "" && input.Type == "" {
		return nil, DispatchTriggerOutput{}, errors.New("trigger or type is required")
	}
	params, err := payload.FromAny(input.Parameters)
	if err != nil {
		return nil, DispatchTriggerOutput{}, fmt.Errorf("invalid parameters: %w", err)
	}
	p, err := payload.FromAny(input.Payload)
	if err != nil {
		return nil, DispatchTriggerOutput{}, fmt.Errorf("invalid payload: %w", err)
	}
	if p.IsNull() {
		p = payload.Mapping(nil)
	}

	desc := trigger.Descriptor{Ref: input.Trigger, Type: input.Type, Parameters: params}
	ti, err := s.deps.Dispatcher.Dispatch(ctx, desc, p, time.Now().UTC())
	if err != nil {
		return nil, DispatchTriggerOutput{}, fmt.Errorf("failed to dispatch trigger: %w", err)
	}
	if ti == nil {
		return nil, DispatchTriggerOutput{}, fmt.Errorf("trigger %s not found", desc)
	}
	s.deps.Logger.Info("trigger dispatched via mcp", "trigger", ti.Trigger, "trigger_instance", ti.ID)
	return nil, DispatchTriggerOutput{
		TriggerInstanceID: ti.ID,
		Trigger:           ti.Trigger,
		TraceTag:          ti.TraceTag,
	}, nil
}

func (s *Server) handleListRules(ctx context.Context, req *mcp.CallToolRequest, input ListRulesInput) (*mcp.CallToolResult, ListRulesOutput, error) {
	rules, err := s.deps.Store.ListRules(ctx, store.RuleFilter{
		TriggerRef:  input.Trigger,
		Pack:        input.Pack,
		EnabledOnly: input.EnabledOnly,
	})
	if err != nil {
		return nil, ListRulesOutput{}, fmt.Errorf("failed to list rules: %w", err)
	}

	results := make([]RuleSummary, len(rules))
	for i, r := range rules {
		results[i] = RuleSummary{
			Ref:      r.Ref,
			Trigger:  r.Trigger.Ref,
			Action:   r.Action.Ref,
			Enabled:  r.Enabled,
			Backstop: r.IsBackstop(),
		}
	}
	return nil, ListRulesOutput{Rules: results, Count: len(results)}, nil
}

func (s *Server) handleGetExecution(ctx context.Context, req *mcp.CallToolRequest, input ExecutionInput) (*mcp.CallToolResult, ExecutionOutput, error) {
	la, err := s.deps.Store.GetExecution(ctx, input.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ExecutionOutput{}, fmt.Errorf("execution %s not found", input.ID)
	}
	if err != nil {
		return nil, ExecutionOutput{}, fmt.Errorf("failed to get execution: %w", err)
	}
	return nil, executionOutput(la), nil
}

func executionOutput(la *model.LiveAction) ExecutionOutput {
	out := ExecutionOutput{
		ID:         la.ID,
		Action:     la.Action,
		RunnerType: la.RunnerType,
		Status:     string(la.Status),
		Parameters: la.Parameters.ToAny(),
		Result:     la.Result.ToAny(),
	}
	if !la.StartTimestamp.IsZero() {
		out.Started = la.StartTimestamp.Format(time.RFC3339)
	}
	if !la.EndTimestamp.IsZero() {
		out.Ended = la.EndTimestamp.Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleCancelExecution(ctx context.Context, req *mcp.CallToolRequest, input CancelExecutionInput) (*mcp.CallToolResult, CancelExecutionOutput, error) {
	la, err := s.deps.Actions.Cancel(ctx, input.ID, input.Reason)
	switch {
	case errors.Is(err, action.ErrTerminal):
		return nil, CancelExecutionOutput{
			ID:      input.ID,
			Status:  string(la.Status),
			Message: fmt.Sprintf("Execution %s already finished as %s", input.ID, la.Status),
		}, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, CancelExecutionOutput{}, fmt.Errorf("execution %s not found", input.ID)
	case err != nil:
		return nil, CancelExecutionOutput{}, fmt.Errorf("failed to cancel execution: %w", err)
	}
	return nil, CancelExecutionOutput{
		ID:      la.ID,
		Status:  string(la.Status),
		Message: fmt.Sprintf("Canceled execution %s", la.ID),
	}, nil
}

func (s *Server) handleQueueStats(ctx context.Context, req *mcp.CallToolRequest, input QueueStatsInput) (*mcp.CallToolResult, queue.Stats, error) {
	stats, err := s.deps.Queue.Stats(ctx)
	if err != nil {
		return nil, queue.Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return nil, stats, nil
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}
