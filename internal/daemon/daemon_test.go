// internal/daemon/daemon_test.go
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/store"
)

const notifyAction = `
name: notify
runner_type: noop
parameters:
  service:
    type: string
    required: true
`

const deployRule = `
name: on_deploy
trigger:
  type: core.webhook
  parameters:
    url: deploy
    allowed_methods: [POST]
criteria:
  trigger.body.env:
    type: equals
    pattern: prod
action:
  ref: ops.notify
  parameters:
    service: "{{ trigger.body.service }}"
`

const notifyPolicy = `
name: one_notify
resource_ref: ops.notify
policy_type: action.concurrency
parameters:
  threshold: 2
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testConfig(t *testing.T) *config.Global {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
database:
  path: `+filepath.Join(dir, "reactor.db")+`
content:
  dir: `+filepath.Join(dir, "packs")+`
scheduler:
  sleep_interval: 10ms
runner:
  cancel_poll_interval: 50ms
`)
	cfg, err := config.LoadGlobal(path)
	if err != nil {
		t.Fatalf("LoadGlobal failed: %v", err)
	}
	return cfg
}

func writePack(t *testing.T, cfg *config.Global) {
	t.Helper()
	pack := filepath.Join(cfg.Content.Dir, "ops")
	writeFile(t, filepath.Join(pack, "actions", "notify.yaml"), notifyAction)
	writeFile(t, filepath.Join(pack, "rules", "on-deploy.yaml"), deployRule)
	writeFile(t, filepath.Join(pack, "policies", "one-notify.yaml"), notifyPolicy)
}

// newTestDaemon wires a daemon and loads its content without starting
// the long-running loops.
func newTestDaemon(t *testing.T, cfg *config.Global) *Daemon {
	t.Helper()
	d := New(cfg, Options{Logger: logging.Discard(), ToolServer: "/bin/true"})
	d.initLogger()
	d.startTime = time.Now()
	if err := d.init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { d.svc.Close() })
	if err := d.loadContent(context.Background()); err != nil {
		t.Fatalf("loadContent failed: %v", err)
	}
	return d
}

// start runs the engine, scheduler, runner and sensor loops until the
// test ends.
func start(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, fn := range []func(context.Context){
		func(ctx context.Context) { d.engine.Run(ctx, d.svc.Bus) },
		func(ctx context.Context) { d.scheduler.Run(ctx) },
		func(ctx context.Context) { d.container.Run(ctx) },
		d.sensors.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		d.sensors.StopAll()
		wg.Wait()
	})
}

func TestRegisterStoresContent(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	rule, err := d.svc.Store.GetRule(ctx, "ops.on_deploy")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if rule.Trigger.Type != "core.webhook" || !strings.HasPrefix(rule.Trigger.Ref, "core.webhook_") {
		t.Errorf("rule not bound to a webhook trigger: %+v", rule.Trigger)
	}
	if _, err := d.svc.Store.GetAction(ctx, "ops.notify"); err != nil {
		t.Errorf("GetAction failed: %v", err)
	}
	if _, err := d.svc.Store.GetPolicy(ctx, "ops.one_notify"); err != nil {
		t.Errorf("GetPolicy failed: %v", err)
	}
	if d.sensors.Len() != 1 {
		t.Errorf("expected one sensor, got %d", d.sensors.Len())
	}
	if _, ok := d.sensors.Webhook("deploy"); !ok {
		t.Error("webhook sensor for deploy not registered")
	}
}

func TestReloadRemovesDeletedDefinitions(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	if err := os.Remove(filepath.Join(cfg.Content.Dir, "ops", "rules", "on-deploy.yaml")); err != nil {
		t.Fatalf("remove rule: %v", err)
	}
	if err := d.loadContent(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	rules, err := d.svc.Store.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected the rule to be removed, got %d rules", len(rules))
	}
	if d.sensors.Len() != 0 {
		t.Errorf("expected the webhook sensor to stop, got %d sensors", d.sensors.Len())
	}
	triggers, err := d.svc.Store.ListTriggers(ctx, "core.webhook")
	if err != nil {
		t.Fatalf("ListTriggers failed: %v", err)
	}
	if len(triggers) != 0 {
		t.Errorf("expected the unreferenced webhook trigger to be removed, got %d", len(triggers))
	}
	if _, err := d.svc.Store.GetAction(ctx, "ops.notify"); err != nil {
		t.Errorf("action should survive: %v", err)
	}
}

func TestRegisterRejectsBadPolicy(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	writeFile(t, filepath.Join(cfg.Content.Dir, "ops", "policies", "bad.yaml"), `
name: bad
resource_ref: ops.notify
policy_type: action.unknown
`)
	d := newTestDaemon(t, cfg)

	content, err := config.LoadContent(cfg.Content.Dir)
	if err != nil {
		t.Fatalf("LoadContent failed: %v", err)
	}
	res, err := d.svc.Register(context.Background(), content)
	if err == nil || !strings.Contains(err.Error(), "ops.bad") {
		t.Errorf("expected an error naming ops.bad, got %v", err)
	}
	if res.Policies != 1 || res.Rules != 1 {
		t.Errorf("other content should still register: %+v", res)
	}
}

func TestWebhookRunsMatchingRule(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	d := newTestDaemon(t, cfg)
	start(t, d)

	srv := httptest.NewServer(d.routes())
	defer srv.Close()

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/webhooks/deploy", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(`{"env":"staging","service":"web"}`); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := post(`{"env":"prod","service":"api"}`); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}

	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	var executions []*model.LiveAction
	for time.Now().Before(deadline) {
		var err error
		executions, err = d.svc.Store.ListExecutions(ctx, store.ExecutionFilter{Action: "ops.notify"})
		if err != nil {
			t.Fatalf("ListExecutions failed: %v", err)
		}
		if len(executions) == 1 && executions[0].Status == model.StatusSucceeded {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(executions) != 1 {
		t.Fatalf("expected one execution, got %d", len(executions))
	}
	la := executions[0]
	if la.Status != model.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", la.Status)
	}
	if v, _ := la.Parameters.Field("service"); v.AsString() != "api" {
		t.Errorf("expected rendered service=api, got %v", la.Parameters)
	}
}

func TestWebhookRouting(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	d := newTestDaemon(t, cfg)

	srv := httptest.NewServer(d.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/webhooks/deploy")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/webhooks/unknown", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown webhook, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	d := newTestDaemon(t, cfg)

	rec := httptest.NewRecorder()
	d.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["rules_loaded"] != float64(1) || body["rules_enabled"] != float64(1) {
		t.Errorf("unexpected rule counts: %v", body)
	}
	if _, ok := body["queue"]; !ok {
		t.Error("expected queue stats in health response")
	}

	rec = httptest.NewRecorder()
	d.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	writePack(t, cfg)
	d := newTestDaemon(t, cfg)

	rec := httptest.NewRecorder()
	d.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected runtime metrics in /metrics output")
	}
}

func TestClientLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newClientLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	calls := 0
	h := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/x", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := send("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the bucket is empty, got %d", code)
	}
	if code := send("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("another client should have its own bucket, got %d", code)
	}

	now = now.Add(30 * time.Second)
	if code := send("10.0.0.1:5000"); code != http.StatusOK {
		t.Errorf("expected a refilled token after half a window, got %d", code)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls through, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	send("10.0.0.3:5000")
	if n := len(l.clients); n != 1 {
		t.Errorf("expected idle clients to be dropped, %d tracked", n)
	}
}

func TestInvalidRetentionSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Schedule = "not a schedule"
	d := New(cfg, Options{Logger: logging.Discard()})
	d.initLogger()
	if _, err := d.startRetention(context.Background()); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}
