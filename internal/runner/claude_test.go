// internal/runner/claude_test.go
package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/logging"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

func TestBuildArgs(t *testing.T) {
	cfg := config.ClaudeConfig{
		Model:           "sonnet",
		AllowedTools:    []string{"Bash", "Read"},
		DisallowedTools: []string{"WebFetch"},
		AddDirs:         []string{"/home/user/Downloads"},
		PermissionMode:  "default",
		MaxBudgetUSD:    0.50,
		SystemPrompt:    "You are helpful",
	}

	args := BuildArgs(cfg, "Do something", false)

	for _, want := range []string{
		"--print", "--model", "sonnet", "--allowedTools", "Bash,Read",
		"--disallowedTools", "WebFetch", "--add-dir", "/home/user/Downloads",
		"--permission-mode", "default", "--max-budget-usd", "0.50",
		"--system-prompt", "You are helpful",
	} {
		assertContains(t, args, want)
	}
	if args[len(args)-1] != "Do something" {
		t.Errorf("expected prompt as last arg, got %s", args[len(args)-1])
	}
}

func TestBuildArgsDebugMode(t *testing.T) {
	args := BuildArgs(config.ClaudeConfig{Model: "sonnet"}, "test", true)

	assertContains(t, args, "--output-format")
	assertContains(t, args, "stream-json")
}

func assertContains(t *testing.T, slice []string, val string) {
	t.Helper()
	for _, v := range slice {
		if v == val {
			return
		}
	}
	t.Errorf("expected %v to contain %q", slice, val)
}

func TestBuildArgsWithTools(t *testing.T) {
	args, cleanup, err := BuildArgsWithTools(config.ClaudeConfig{Model: "sonnet"}, "Do something", false, "/usr/local/bin/reactord")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	if args[len(args)-1] != "Do something" {
		t.Errorf("expected prompt as last arg, got %s", args[len(args)-1])
	}

	var cfgPath string
	for i, a := range args {
		if a == "--mcp-config" && i+1 < len(args) {
			cfgPath = args[i+1]
		}
	}
	if cfgPath == "" {
		t.Fatal("expected --mcp-config flag")
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("reading MCP config: %v", err)
	}
	var mcpCfg MCPConfig
	if err := json.Unmarshal(data, &mcpCfg); err != nil {
		t.Fatalf("parsing MCP config: %v", err)
	}
	server, ok := mcpCfg.MCPServers["reactor"]
	if !ok {
		t.Fatal("expected reactor server in MCP config")
	}
	if server.Command != "/usr/local/bin/reactord" || len(server.Args) != 1 || server.Args[0] != "mcp" {
		t.Errorf("unexpected server config: %+v", server)
	}

	cleanup()
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Error("expected temp config to be removed by cleanup")
	}
}

func TestBuildArgsWithoutTools(t *testing.T) {
	args, cleanup, err := BuildArgsWithTools(config.ClaudeConfig{}, "test", false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()
	for _, a := range args {
		if a == "--mcp-config" {
			t.Error("did not expect --mcp-config without a tool server")
		}
	}
}

func TestRenderPromptSanitizesVars(t *testing.T) {
	got, err := RenderPrompt("Summarize {{ vars.file }} please", payload.MustFromAny(map[string]any{
		"file": "report```\x00.txt",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Summarize report.txt please" {
		t.Errorf("got %q", got)
	}

	if _, err := RenderPrompt("{{ vars.missing }}", payload.Null()); err == nil {
		t.Error("expected error for undefined variable")
	}
	if got, _ := RenderPrompt("plain", payload.Null()); got != "plain" {
		t.Errorf("plain prompt changed: %q", got)
	}
}

func TestClaudeSettingsOverrideDefaults(t *testing.T) {
	c := newClaude(Options{ClaudeDefaults: config.ClaudeConfig{Model: "haiku", PermissionMode: "plan"}, Logger: logging.Discard()})
	la := &model.LiveAction{Parameters: payload.MustFromAny(map[string]any{
		"model":         "sonnet",
		"allowed_tools": []any{"Read"},
	})}

	cfg := c.settings(la)
	if cfg.Model != "sonnet" {
		t.Errorf("model = %q, want sonnet", cfg.Model)
	}
	if cfg.PermissionMode != "plan" {
		t.Errorf("permission mode should keep default, got %q", cfg.PermissionMode)
	}
	if len(cfg.AllowedTools) != 1 || cfg.AllowedTools[0] != "Read" {
		t.Errorf("allowed tools = %v", cfg.AllowedTools)
	}
}

// fakeClaude writes a script that echoes its last argument.
func fakeClaude(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClaudeRun(t *testing.T) {
	cmd := fakeClaude(t, `for last; do :; done; echo "prompt: $last"`)
	reg := NewRegistry(Options{ClaudeCommand: cmd, Logger: logging.Discard()})
	rn, err := reg.Get(ClaudePrompt)
	if err != nil {
		t.Fatal(err)
	}

	res, err := rn.Run(context.Background(), &model.LiveAction{Parameters: payload.MustFromAny(map[string]any{
		"prompt": "check {{ vars.host }}",
		"vars":   map[string]any{"host": "web-1"},
	})})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.StatusSucceeded {
		t.Fatalf("status = %s", res.Status)
	}
	out, _ := res.Output.Field("output")
	if !strings.Contains(out.AsString(), "prompt: check web-1") {
		t.Errorf("output = %q", out.AsString())
	}
}

func TestClaudeRunTimeout(t *testing.T) {
	cmd := fakeClaude(t, "exec sleep 5")
	rn, _ := NewRegistry(Options{ClaudeCommand: cmd, Logger: logging.Discard()}).Get(ClaudePrompt)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := rn.Run(ctx, &model.LiveAction{Parameters: payload.MustFromAny(map[string]any{"prompt": "hi"})})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.StatusTimeout {
		t.Errorf("status = %s, want timeout", res.Status)
	}
}

func TestClaudeRunRequiresPrompt(t *testing.T) {
	rn, _ := NewRegistry(Options{Logger: logging.Discard()}).Get(ClaudePrompt)
	if _, err := rn.Run(context.Background(), &model.LiveAction{Parameters: payload.Mapping(nil)}); err == nil {
		t.Error("expected error without prompt")
	}
}
