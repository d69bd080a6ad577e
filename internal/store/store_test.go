// internal/store/store_test.go
package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "reactor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_ReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reactor.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.Rebind("SELECT '?' FROM t WHERE a = ? AND b IN (?, ?)")
	assert.Equal(t, "SELECT '?' FROM t WHERE a = $1 AND b IN ($2, $3)", got)
}

func TestRuleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := &model.Rule{
		Pack:    "ops",
		Name:    "restart_on_alert",
		Enabled: true,
		Trigger: model.RuleTrigger{Type: "core.webhook", Ref: "ops.alerts"},
		Criteria: map[string]model.Criterion{
			"trigger.body.host.name": {Type: "equals", Pattern: payload.String("web-1")},
			"trigger.count#1":        {Type: "gt", Pattern: payload.Number(3)},
		},
		Action: model.RuleAction{
			Ref:        "core.local",
			Parameters: payload.MustFromAny(map[string]any{"cmd": "systemctl restart {{ trigger.svc }}", "a.b": 1}),
		},
		Tags: []string{"ops"},
	}
	require.NoError(t, s.SaveRule(ctx, rule))
	assert.Equal(t, "ops.restart_on_alert", rule.Ref)
	assert.Equal(t, model.RuleTypeStandard, rule.Type)

	got, err := s.GetRule(ctx, rule.Ref)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)
	assert.True(t, got.Enabled)
	assert.Len(t, got.Criteria, 2)
	assert.Equal(t, "equals", got.Criteria["trigger.body.host.name"].Type)
	assert.True(t, payload.Equal(rule.Action.Parameters, got.Action.Parameters))
	assert.Equal(t, []string{"ops"}, got.Tags)

	// Updating keeps the id.
	id := rule.ID
	rule.ID = ""
	rule.Enabled = false
	require.NoError(t, s.SaveRule(ctx, rule))
	got, err = s.GetRule(ctx, rule.Ref)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.False(t, got.Enabled)

	enabled, err := s.ListRules(ctx, RuleFilter{TriggerRef: "ops.alerts", EnabledOnly: true})
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, s.SetRuleEnabled(ctx, rule.Ref, true))
	enabled, err = s.ListRules(ctx, RuleFilter{TriggerRef: "ops.alerts", EnabledOnly: true})
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	require.NoError(t, s.DeleteRule(ctx, rule.Ref))
	_, err = s.GetRule(ctx, rule.Ref)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteRule(ctx, rule.Ref), ErrNotFound)
}

func TestEnsureTrigger_DeduplicatesByUID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureTrigger(ctx, &model.Trigger{Ref: "core.t1", Pack: "core", Name: "t1", Type: "core.cron_timer", UID: "uid-1"})
	require.NoError(t, err)
	second, err := s.EnsureTrigger(ctx, &model.Trigger{Ref: "core.t1b", Pack: "core", Name: "t1b", Type: "core.cron_timer", UID: "uid-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "core.t1", second.Ref)

	all, err := s.ListTriggers(ctx, "core.cron_timer")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTriggerInstanceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ti := &model.TriggerInstance{
		Trigger:    "pack.t1",
		Payload:    payload.MustFromAny(map[string]any{"k.1": "v1", "$n": 2}),
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTriggerInstance(ctx, ti))
	assert.Equal(t, model.TriggerInstanceReceived, ti.Status)

	require.NoError(t, s.SetTriggerInstanceStatus(ctx, ti.ID, model.TriggerInstanceProcessed))
	got, err := s.GetTriggerInstance(ctx, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerInstanceProcessed, got.Status)
	assert.True(t, payload.Equal(ti.Payload, got.Payload), "escaped keys must round trip")

	// Keys are escaped at rest.
	var raw string
	require.NoError(t, s.DB().QueryRow("SELECT payload FROM trigger_instances WHERE id = ?", ti.ID).Scan(&raw))
	assert.NotContains(t, raw, "k.1")
	assert.NotContains(t, raw, "$n")
}

func TestClaimAndPendingTriggerInstances(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	stale := &model.TriggerInstance{Trigger: "pack.t1", OccurredAt: old}
	fresh := &model.TriggerInstance{Trigger: "pack.t1", OccurredAt: time.Now()}
	require.NoError(t, s.CreateTriggerInstance(ctx, stale))
	require.NoError(t, s.CreateTriggerInstance(ctx, fresh))

	pending, err := s.PendingTriggerInstances(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)

	ok, err := s.ClaimTriggerInstance(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimTriggerInstance(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, ok, "an instance is claimed once")

	pending, err = s.PendingTriggerInstances(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestUpdateExecutionStatus_Conditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	la := &model.LiveAction{Action: "core.local", RunnerType: "local-shell-cmd"}
	require.NoError(t, s.CreateExecution(ctx, la))
	assert.Equal(t, model.StatusRequested, la.Status)

	_, err := s.UpdateExecutionStatus(ctx, la.ID, StatusUpdate{
		From: []model.ExecutionStatus{model.StatusRunning},
		To:   model.StatusSucceeded,
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateExecutionStatus(ctx, la.ID, StatusUpdate{To: model.StatusCanceled})
	require.NoError(t, err)

	// Terminal executions never move again.
	_, err = s.UpdateExecutionStatus(ctx, la.ID, StatusUpdate{
		To:     model.StatusSucceeded,
		Result: payload.MustFromAny(map[string]any{"stdout": "ok"}),
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetExecution(ctx, la.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.False(t, got.EndTimestamp.IsZero())
	assert.True(t, got.Result.IsNull())

	_, err = s.UpdateExecutionStatus(ctx, "missing", StatusUpdate{To: model.StatusRunning})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleWithinLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var las []*model.LiveAction
	for i := 0; i < 3; i++ {
		la := &model.LiveAction{Action: "core.local", RunnerType: "noop"}
		require.NoError(t, s.CreateExecution(ctx, la))
		las = append(las, la)
	}

	ok, err := s.ScheduleWithinLimit(ctx, las[0], Limit{Threshold: 2})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ScheduleWithinLimit(ctx, las[1], Limit{Threshold: 2})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ScheduleWithinLimit(ctx, las[2], Limit{Threshold: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CountActive(ctx, "core.local")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestScheduleWithinLimit_ConcurrentStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reactor.db")
	ctx := context.Background()

	const workers = 4
	stores := make([]*Store, workers)
	for i := range stores {
		s, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}

	var las []*model.LiveAction
	for i := 0; i < 12; i++ {
		la := &model.LiveAction{Action: "core.limited", RunnerType: "noop"}
		require.NoError(t, stores[0].CreateExecution(ctx, la))
		las = append(las, la)
	}

	var (
		mu        sync.Mutex
		scheduled int
		wg        sync.WaitGroup
	)
	for i, la := range las {
		wg.Add(1)
		go func(s *Store, la *model.LiveAction) {
			defer wg.Done()
			ok, err := s.ScheduleWithinLimit(ctx, la, Limit{Threshold: 3})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				scheduled++
				mu.Unlock()
			}
		}(stores[i%workers], la)
	}
	wg.Wait()

	assert.Equal(t, 3, scheduled)
	n, err := stores[0].CountActive(ctx, "core.limited")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestScheduleWithinLimit_Attributes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(host string) *model.LiveAction {
		la := &model.LiveAction{
			Action:     "core.deploy",
			RunnerType: "noop",
			Parameters: payload.MustFromAny(map[string]any{"host": host}),
		}
		require.NoError(t, s.CreateExecution(ctx, la))
		return la
	}
	limit := Limit{Threshold: 1, Attributes: []string{"host"}}

	a1, a2, b1 := mk("a"), mk("a"), mk("b")

	ok, err := s.ScheduleWithinLimit(ctx, a1, limit)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ScheduleWithinLimit(ctx, a2, limit)
	require.NoError(t, err)
	assert.False(t, ok, "second execution for host a exceeds the per-host cap")

	ok, err = s.ScheduleWithinLimit(ctx, b1, limit)
	require.NoError(t, err)
	assert.True(t, ok, "host b has its own cap")
}

func TestPolicyAndActionStorage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	action := &model.Action{
		Pack: "core", Name: "local", Enabled: true, RunnerType: "local-shell-cmd",
		Parameters: map[string]model.ParamSpec{
			"cmd":     {Type: "string", Required: true},
			"timeout": {Type: "integer", Default: payload.Number(60)},
		},
	}
	require.NoError(t, s.SaveAction(ctx, action))
	got, err := s.GetAction(ctx, "core.local")
	require.NoError(t, err)
	assert.True(t, got.Parameters["cmd"].Required)
	assert.Equal(t, float64(60), got.Parameters["timeout"].Default.AsNumber())

	policy := &model.Policy{
		Pack:        "core",
		Name:        "local.concurrency",
		Enabled:     true,
		ResourceRef: "core.local",
		PolicyType:  model.PolicyConcurrency,
		Parameters:  payload.MustFromAny(map[string]any{"threshold": 2}),
	}
	require.NoError(t, s.SavePolicy(ctx, policy))
	require.NoError(t, s.SetPolicyEnabled(ctx, policy.Ref, false))

	policies, err := s.ListPolicies(ctx, "core.local")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.False(t, policies[0].Enabled)
}

func TestDatastore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetValue(ctx, "ops.threshold", payload.Number(5)))
	require.NoError(t, s.SetValue(ctx, "other", payload.String("x")))

	v, err := s.GetValue(ctx, "ops.threshold")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v.AsNumber())

	all, err := s.Values(ctx, "ops.")
	require.NoError(t, err)
	assert.Equal(t, 1, all.Len())

	require.NoError(t, s.DeleteValue(ctx, "other"))
	_, err = s.GetValue(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, s.CreateTriggerInstance(ctx, &model.TriggerInstance{Trigger: "t", OccurredAt: old}))
	require.NoError(t, s.CreateTriggerInstance(ctx, &model.TriggerInstance{Trigger: "t", OccurredAt: time.Now()}))
	require.NoError(t, s.CreateEnforcement(ctx, &model.RuleEnforcement{RuleRef: "r", RuleID: "1", TriggerInstanceID: "x", Status: model.EnforcementSucceeded, EnforcedAt: old}))

	done := &model.LiveAction{Action: "a", RunnerType: "noop", Status: model.StatusSucceeded, EndTimestamp: old}
	require.NoError(t, s.CreateExecution(ctx, done))
	running := &model.LiveAction{Action: "a", RunnerType: "noop", Status: model.StatusRunning}
	require.NoError(t, s.CreateExecution(ctx, running))

	_, err := s.EnsureTrigger(ctx, &model.Trigger{Ref: "core.orphan", Pack: "core", Name: "orphan", Type: "core.cron_timer", UID: "u1"})
	require.NoError(t, err)
	_, err = s.EnsureTrigger(ctx, &model.Trigger{Ref: "core.webhook", Pack: "core", Name: "webhook", Type: "core.webhook", UID: "u2"})
	require.NoError(t, err)

	res, err := s.Cleanup(ctx, Retention{TriggerInstances: 24 * time.Hour, Enforcements: 24 * time.Hour, Executions: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TriggerInstances)
	assert.Equal(t, int64(1), res.Enforcements)
	assert.Equal(t, int64(1), res.Executions)
	assert.Equal(t, int64(1), res.Triggers)

	_, err = s.GetExecution(ctx, running.ID)
	assert.NoError(t, err)
	_, err = s.GetTriggerByRef(ctx, "core.webhook")
	assert.NoError(t, err)
}
