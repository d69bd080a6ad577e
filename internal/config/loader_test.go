// internal/config/loader_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/reactor/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadGlobal(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	writeFile(t, configPath, `
database:
  driver: sqlite
  path: /tmp/reactor.db
logging:
  format: text
  level: debug
scheduler:
  pool_size: 3
  sleep_interval: 50ms
  delayed_reschedule: 5s
runner:
  allowed_run_as_users: [deploy]
claude_defaults:
  model: opus
`)

	cfg, err := LoadGlobal(configPath)
	if err != nil {
		t.Fatalf("LoadGlobal failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Scheduler.PoolSize != 3 {
		t.Errorf("expected scheduler pool 3, got %d", cfg.Scheduler.PoolSize)
	}
	if cfg.Scheduler.SleepInterval != 50*time.Millisecond {
		t.Errorf("expected sleep interval 50ms, got %s", cfg.Scheduler.SleepInterval)
	}
	if cfg.Scheduler.DelayedReschedule != 5*time.Second {
		t.Errorf("expected delayed reschedule 5s, got %s", cfg.Scheduler.DelayedReschedule)
	}
	if cfg.ClaudeDefaults.Model != "opus" {
		t.Errorf("expected model opus, got %s", cfg.ClaudeDefaults.Model)
	}
	if len(cfg.Runner.AllowedRunAsUsers) != 1 {
		t.Errorf("expected one allowed user, got %v", cfg.Runner.AllowedRunAsUsers)
	}
}

func TestGlobalDefaults(t *testing.T) {
	cfg := &Global{}
	applyGlobalDefaults(cfg)

	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Scheduler.DelayedReschedule != 2500*time.Millisecond {
		t.Errorf("expected 2.5s delayed reschedule, got %s", cfg.Scheduler.DelayedReschedule)
	}
	if cfg.Bus.Driver != BusMemory {
		t.Errorf("expected memory bus, got %s", cfg.Bus.Driver)
	}
	if got := cfg.ListenAddress(); got != "127.0.0.1:9876" {
		t.Errorf("unexpected listen address %s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, "logging:\n  level: info\n")

	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvPostgresDSN, "postgres://reactor@localhost/reactor")
	t.Setenv(EnvNATSURL, "nats://localhost:4222")
	t.Setenv(EnvContentDir, "/srv/packs")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN == "" {
		t.Errorf("expected postgres from env, got %+v", cfg.Database)
	}
	if cfg.Bus.Driver != BusNATS {
		t.Errorf("expected nats bus from env, got %s", cfg.Bus.Driver)
	}
	if cfg.Content.Dir != "/srv/packs" {
		t.Errorf("expected content dir from env, got %s", cfg.Content.Dir)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Reactor.PoolSize != 8 {
		t.Errorf("expected default pool size, got %d", cfg.Reactor.PoolSize)
	}
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	writeFile(t, envFile, "REACTOR_TEST_DOTENV=from-file\n")
	t.Setenv("REACTOR_TEST_DOTENV", "")
	os.Unsetenv("REACTOR_TEST_DOTENV")

	if err := LoadDotEnv(envFile, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("REACTOR_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected value from .env, got %q", got)
	}
}

func TestValidateRejectsBadDrivers(t *testing.T) {
	cfg := &Global{}
	applyGlobalDefaults(cfg)
	cfg.Database.Driver = "mysql"
	cfg.Bus.Driver = "kafka"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"database.driver", "bus.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestLoadPack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ops")

	writeFile(t, filepath.Join(dir, "actions", "restart.yaml"), `
name: restart
runner_type: local-shell-cmd
parameters:
  cmd:
    default: "systemctl restart {{ service }}"
    immutable: true
  service:
    type: string
    required: true
`)
	writeFile(t, filepath.Join(dir, "rules", "on-alert.yaml"), `
name: on_alert
description: Restart a service when it alerts
trigger:
  type: core.webhook
  parameters:
    url: alerts
criteria:
  trigger.body.severity:
    type: equals
    pattern: critical
action:
  ref: ops.restart
  parameters:
    service: "{{ trigger.body.service }}"
`)
	writeFile(t, filepath.Join(dir, "policies", "one-restart.yml"), `
name: one_restart
resource_ref: ops.restart
policy_type: action.concurrency
parameters:
  threshold: 1
`)
	writeFile(t, filepath.Join(dir, "triggers", "deploy.yaml"), `
name: deployed
payload_schema:
  type: object
  required: [version]
`)
	writeFile(t, filepath.Join(dir, "rules", "README.md"), "ignored")

	pack, err := LoadPack(dir)
	if err != nil {
		t.Fatalf("LoadPack failed: %v", err)
	}
	if pack.Name != "ops" {
		t.Errorf("expected pack ops, got %s", pack.Name)
	}
	if len(pack.Actions) != 1 || pack.Actions[0].Ref != "ops.restart" {
		t.Fatalf("unexpected actions: %+v", pack.Actions)
	}
	if !pack.Actions[0].Enabled {
		t.Error("actions are enabled unless stated otherwise")
	}
	if !pack.Actions[0].Parameters["service"].Required {
		t.Error("expected service to be required")
	}

	if len(pack.Rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(pack.Rules))
	}
	rule := pack.Rules[0]
	if rule.Ref != "ops.on_alert" || !rule.Enabled {
		t.Errorf("unexpected rule %+v", rule)
	}
	if c := rule.Criteria["trigger.body.severity"]; c.Type != "equals" || c.Pattern.AsString() != "critical" {
		t.Errorf("unexpected criterion %+v", c)
	}
	if url, _ := rule.Trigger.Parameters.Field("url"); url.AsString() != "alerts" {
		t.Errorf("unexpected trigger parameters %v", rule.Trigger.Parameters)
	}

	if len(pack.Policies) != 1 || pack.Policies[0].PolicyType != model.PolicyConcurrency {
		t.Errorf("unexpected policies: %+v", pack.Policies)
	}
	if len(pack.TriggerTypes) != 1 || pack.TriggerTypes[0].Ref != "ops.deployed" {
		t.Errorf("unexpected trigger types: %+v", pack.TriggerTypes)
	}
}

func TestLoadPackRejectsForeignPack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ops")
	writeFile(t, filepath.Join(dir, "actions", "a.yaml"), "name: a\npack: other\nrunner_type: noop\n")

	_, err := LoadPack(dir)
	if err == nil {
		t.Fatal("expected error for content declaring another pack")
	}
	if !strings.Contains(err.Error(), `declares pack "other"`) {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoadContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "core", "actions", "noop.yaml"), "name: noop\nrunner_type: noop\n")
	writeFile(t, filepath.Join(root, "ops", "actions", "echo.yaml"), "name: echo\nrunner_type: local-shell-cmd\nenabled: false\n")
	writeFile(t, filepath.Join(root, ".git", "actions", "x.yaml"), "not: content\n")

	content, err := LoadContent(root)
	if err != nil {
		t.Fatalf("LoadContent failed: %v", err)
	}
	if len(content.Packs) != 2 {
		t.Fatalf("expected 2 packs, got %d", len(content.Packs))
	}
	actions := content.Actions()
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[1].Ref != "ops.echo" || actions[1].Enabled {
		t.Errorf("unexpected action %+v", actions[1])
	}
}

func TestLoadContentCollectsErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "rules", "bad.yaml"), "description: no name\n")
	writeFile(t, filepath.Join(root, "b", "actions", "bad.yaml"), "name: x\n")

	_, err := LoadContent(root)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"rule name is required", "runner_type is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func validRule() model.Rule {
	return model.Rule{
		Name:    "test-rule",
		Trigger: model.RuleTrigger{Type: "core.webhook"},
		Action:  model.RuleAction{Ref: "core.local"},
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *model.Rule)
		want   string
	}{
		{"valid", func(r *model.Rule) {}, ""},
		{"ref instead of type", func(r *model.Rule) { r.Trigger = model.RuleTrigger{Ref: "core.deployed"} }, ""},
		{"missing name", func(r *model.Rule) { r.Name = "" }, "rule name is required"},
		{"missing trigger", func(r *model.Rule) { r.Trigger = model.RuleTrigger{} }, "trigger type or ref is required"},
		{"missing action", func(r *model.Rule) { r.Action.Ref = "" }, "action ref is required"},
		{"bad type", func(r *model.Rule) { r.Type = "priority" }, "invalid rule type"},
		{"criterion without operator", func(r *model.Rule) {
			r.Criteria = map[string]model.Criterion{"trigger.k": {}}
		}, "operator type is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.modify(&rule)
			err := ValidateRule(&rule)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("expected valid rule, got error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidatePolicy(t *testing.T) {
	p := &model.Policy{Name: "p", PolicyType: model.PolicyRetry}
	if err := ValidatePolicy(p); err == nil || !strings.Contains(err.Error(), "resource_ref") {
		t.Errorf("expected resource_ref error, got %v", err)
	}
	p.ResourceRef = "core.local"
	if err := ValidatePolicy(p); err != nil {
		t.Errorf("expected valid policy, got %v", err)
	}
}
