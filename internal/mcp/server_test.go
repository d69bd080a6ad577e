// internal/mcp/server_test.go
package mcp

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/colebrumley/reactor/internal/action"
	"github.com/colebrumley/reactor/internal/bus"
	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/queue"
	"github.com/colebrumley/reactor/internal/store"
	"github.com/colebrumley/reactor/internal/trigger"
)

type fixture struct {
	st      *store.Store
	bus     *bus.Memory
	actions *action.Service
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := trigger.RegisterBuiltins(ctx, st); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	if err := st.RegisterTriggerType(ctx, &model.TriggerType{Pack: "ops", Name: "deployed", Ref: "ops.deployed"}); err != nil {
		t.Fatalf("RegisterTriggerType() error = %v", err)
	}

	b := bus.NewMemory(8)
	t.Cleanup(func() { b.Close() })
	q := queue.New(st)
	d := trigger.NewDispatcher(st, b, trigger.Options{Logger: logging.Discard()})
	actions := action.NewService(st, q, d, logging.Discard())

	server := NewServer(Deps{
		Dispatcher: d,
		Store:      st,
		Actions:    actions,
		Queue:      q,
		Logger:     logging.Discard(),
	})
	return &fixture{st: st, bus: b, actions: actions, server: server}
}

func (f *fixture) request(t *testing.T) *model.LiveAction {
	t.Helper()
	la, err := f.actions.Request(context.Background(), &model.LiveAction{
		Action:     "ops.restart",
		RunnerType: "noop",
		Parameters: payload.MustFromAny(map[string]any{"service": "api"}),
	}, time.Now())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	return la
}

func TestToolHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("dispatch_trigger", func(t *testing.T) {
		_, output, err := f.server.handleDispatchTrigger(ctx, nil, DispatchTriggerInput{
			Trigger: "ops.deployed",
			Payload: map[string]any{"version": "1.2.3"},
		})
		if err != nil {
			t.Fatalf("handleDispatchTrigger() error = %v", err)
		}
		if output.TriggerInstanceID == "" {
			t.Error("handleDispatchTrigger() returned no instance id")
		}
		if f.bus.Pending() != 1 {
			t.Errorf("expected the instance on the bus, pending = %d", f.bus.Pending())
		}

		ti, err := f.st.GetTriggerInstance(ctx, output.TriggerInstanceID)
		if err != nil {
			t.Fatalf("GetTriggerInstance() error = %v", err)
		}
		if v, _ := ti.Payload.Field("version"); v.AsString() != "1.2.3" {
			t.Errorf("stored payload = %v", ti.Payload)
		}
	})

	t.Run("dispatch_trigger unknown", func(t *testing.T) {
		_, _, err := f.server.handleDispatchTrigger(ctx, nil, DispatchTriggerInput{Trigger: "ops.missing"})
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("handleDispatchTrigger() error = %v, want not found", err)
		}
		_, _, err = f.server.handleDispatchTrigger(ctx, nil, DispatchTriggerInput{})
		if err == nil {
			t.Error("handleDispatchTrigger() without trigger should fail")
		}
	})

	t.Run("list_rules", func(t *testing.T) {
		if err := f.st.SaveRule(ctx, &model.Rule{
			Pack:    "ops",
			Name:    "on_deploy",
			Enabled: true,
			Trigger: model.RuleTrigger{Ref: "ops.deployed"},
			Action:  model.RuleAction{Ref: "ops.restart"},
		}); err != nil {
			t.Fatalf("SaveRule() error = %v", err)
		}
		_, output, err := f.server.handleListRules(ctx, nil, ListRulesInput{Trigger: "ops.deployed"})
		if err != nil {
			t.Fatalf("handleListRules() error = %v", err)
		}
		if output.Count != 1 {
			t.Fatalf("handleListRules() count = %d, want 1", output.Count)
		}
		if got := output.Rules[0]; got.Ref != "ops.on_deploy" || !got.Backstop {
			t.Errorf("handleListRules() rule = %+v", got)
		}
	})

	t.Run("get_execution", func(t *testing.T) {
		la := f.request(t)
		_, output, err := f.server.handleGetExecution(ctx, nil, ExecutionInput{ID: la.ID})
		if err != nil {
			t.Fatalf("handleGetExecution() error = %v", err)
		}
		if output.Status != string(model.StatusRequested) {
			t.Errorf("handleGetExecution() status = %q", output.Status)
		}
		params, ok := output.Parameters.(map[string]any)
		if !ok || params["service"] != "api" {
			t.Errorf("handleGetExecution() parameters = %v", output.Parameters)
		}

		_, _, err = f.server.handleGetExecution(ctx, nil, ExecutionInput{ID: "nope"})
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("handleGetExecution() error = %v, want not found", err)
		}
	})

	t.Run("cancel_execution", func(t *testing.T) {
		la := f.request(t)
		_, output, err := f.server.handleCancelExecution(ctx, nil, CancelExecutionInput{ID: la.ID, Reason: "wrong target"})
		if err != nil {
			t.Fatalf("handleCancelExecution() error = %v", err)
		}
		if output.Status != string(model.StatusCanceled) {
			t.Errorf("handleCancelExecution() status = %q", output.Status)
		}

		_, output, err = f.server.handleCancelExecution(ctx, nil, CancelExecutionInput{ID: la.ID})
		if err != nil {
			t.Fatalf("second cancel error = %v", err)
		}
		if !strings.Contains(output.Message, "already finished") {
			t.Errorf("second cancel message = %q", output.Message)
		}
	})

	t.Run("queue_stats", func(t *testing.T) {
		_, stats, err := f.server.handleQueueStats(ctx, nil, QueueStatsInput{})
		if err != nil {
			t.Fatalf("handleQueueStats() error = %v", err)
		}
		if stats.Ready != 2 {
			t.Errorf("handleQueueStats() ready = %d, want 2", stats.Ready)
		}
	})
}

func TestToolsAreListed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	if _, err := f.server.Connect(ctx, serverTransport); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect() error = %v", err)
	}
	defer session.Close()

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	want := map[string]bool{
		"dispatch_trigger": true, "list_rules": true, "get_execution": true,
		"cancel_execution": true, "queue_stats": true,
	}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	if len(want) > 0 {
		t.Errorf("missing tools: %v", want)
	}
}
