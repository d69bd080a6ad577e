// internal/runner/claude.go
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/security"
	"github.com/colebrumley/reactor/internal/template"
)

// MCPServerConfig is one entry of a claude --mcp-config file.
type MCPServerConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Type    string   `json:"type,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// MCPConfig is the claude --mcp-config file format.
type MCPConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// claude runs the claude CLI in print mode. The prompt parameter may
// reference {{ vars.<name> }}; vars are event-supplied, so they are
// sanitized before rendering.
type claude struct {
	command      string
	defaults     config.ClaudeConfig
	toolServer   string
	allowedUsers []string
	logger       *slog.Logger
}

func newClaude(opts Options) *claude {
	return &claude{
		command:      opts.ClaudeCommand,
		defaults:     opts.ClaudeDefaults,
		toolServer:   opts.ToolServer,
		allowedUsers: opts.AllowedUsers,
		logger:       opts.Logger,
	}
}

// BuildArgs constructs the claude command line for a prompt.
func BuildArgs(cfg config.ClaudeConfig, prompt string, debug bool) []string {
	args := []string{"--print"}

	if debug {
		args = append(args, "--verbose", "--output-format", "stream-json")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(cfg.DisallowedTools, ","))
	}
	for _, dir := range cfg.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", cfg.MaxBudgetUSD))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	if cfg.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.AppendSystemPrompt)
	}
	for _, mcp := range cfg.MCPConfig {
		args = append(args, "--mcp-config", mcp)
	}

	return append(args, prompt)
}

// BuildArgsWithTools is BuildArgs plus a temporary MCP config offering the
// reactor tool server. The returned cleanup removes the temp file.
func BuildArgsWithTools(cfg config.ClaudeConfig, prompt string, debug bool, toolServer string) ([]string, func(), error) {
	args := BuildArgs(cfg, prompt, debug)
	if toolServer == "" {
		return args, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "reactor-mcp-*.json")
	if err != nil {
		return nil, func() {}, fmt.Errorf("creating temp MCP config: %w", err)
	}
	mcpCfg := MCPConfig{MCPServers: map[string]MCPServerConfig{
		"reactor": {Command: toolServer, Args: []string{"mcp"}},
	}}
	if err := json.NewEncoder(tmp).Encode(mcpCfg); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, func() {}, fmt.Errorf("writing MCP config: %w", err)
	}
	tmp.Close()

	// the prompt stays last
	prompt = args[len(args)-1]
	args = append(args[:len(args)-1], "--mcp-config", tmp.Name(), prompt)
	return args, func() { os.Remove(tmp.Name()) }, nil
}

// settings overlays per-execution parameters on the configured defaults.
func (c *claude) settings(la *model.LiveAction) config.ClaudeConfig {
	cfg := c.defaults
	if v := stringParam(la, "model"); v != "" {
		cfg.Model = v
	}
	if v := stringsParam(la, "allowed_tools"); v != nil {
		cfg.AllowedTools = v
	}
	if v := stringsParam(la, "disallowed_tools"); v != nil {
		cfg.DisallowedTools = v
	}
	if v := stringsParam(la, "add_dirs"); v != nil {
		cfg.AddDirs = v
	}
	if v := stringParam(la, "permission_mode"); v != "" {
		cfg.PermissionMode = v
	}
	if v, ok := la.Parameters.Field("max_budget_usd"); ok && v.Kind() == payload.KindNumber {
		cfg.MaxBudgetUSD = v.AsNumber()
	}
	if v := stringParam(la, "system_prompt"); v != "" {
		cfg.SystemPrompt = v
	}
	if v := stringParam(la, "append_system_prompt"); v != "" {
		cfg.AppendSystemPrompt = v
	}
	return cfg
}

// RenderPrompt fills {{ vars.* }} in prompt with sanitized vars.
func RenderPrompt(prompt string, vars payload.Value) (string, error) {
	if !template.HasExpressions(prompt) {
		return prompt, nil
	}
	if vars.Kind() != payload.KindMapping {
		vars = payload.Mapping(nil)
	}
	ctx := payload.Mapping(map[string]payload.Value{"vars": security.SanitizeParams(vars)})
	return template.RenderString(prompt, ctx)
}

func (c *claude) Run(ctx context.Context, la *model.LiveAction) (Result, error) {
	raw := stringParam(la, "prompt")
	if raw == "" {
		return Result{}, errors.New("parameter prompt is required")
	}
	vars, _ := la.Parameters.Field("vars")
	prompt, err := RenderPrompt(raw, vars)
	if err != nil {
		return Result{}, fmt.Errorf("rendering prompt: %w", err)
	}

	toolServer := ""
	if v, ok := la.Parameters.Field("reactor_tools"); ok && v.Kind() == payload.KindBool && v.AsBool() {
		toolServer = c.toolServer
	}
	debug := false
	if v, ok := la.Parameters.Field("debug"); ok && v.Kind() == payload.KindBool {
		debug = v.AsBool()
	}

	cfg := c.settings(la)
	args, cleanup, err := BuildArgsWithTools(cfg, prompt, debug, toolServer)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	var cmd *exec.Cmd
	if user := stringParam(la, "run_as_user"); user != "" {
		if !userAllowed(user, c.allowedUsers) {
			return Result{}, fmt.Errorf("run_as_user %q is not allowed", user)
		}
		cmd = exec.CommandContext(ctx, "sudo", append([]string{"-n", "-u", user, c.command}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, c.command, args...)
	}
	cmd.Dir = stringParam(la, "cwd")
	cmd.Env = append(os.Environ(), envVars(cfg.EnvVars)...)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	output, err := cmd.CombinedOutput()
	out := payload.Mapping(map[string]payload.Value{
		"output":           payload.String(security.ScrubOutput(string(output))),
		"duration_seconds": payload.Number(time.Since(start).Seconds()),
	})

	switch {
	case err == nil:
		return Result{Status: model.StatusSucceeded, Output: out}, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Status: model.StatusTimeout, Output: out.With("error", payload.String("execution timed out"))}, nil
	case ctx.Err() != nil:
		return Result{Status: model.StatusCanceled, Output: out.With("error", payload.String("execution canceled"))}, nil
	default:
		c.logger.Debug("claude execution failed", "execution", la.ID, "error", err)
		return Result{Status: model.StatusFailed, Output: out.With("error", payload.String(err.Error()))}, nil
	}
}

func envVars(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
